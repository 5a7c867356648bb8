// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package config parses and holds the monorepo server's TOML configuration:
// the ambient database/cache/TLS-adjacent settings plus the domain sections
// this spec adds (monorepo.*, pack.*, raw_blob.*, merge_queue.*). Adapted
// from `pkg/serve/config.go`'s `Duration`/`Database`/`Cache` primitives and
// `pkg/serve/httpserver/config.go`/`pkg/serve/sshserver/config.go`'s
// TOML-decode-with-defaults shape, generalized from one server's flat
// config to the shared top-level `Config` every transport and engine
// component reads from.
package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/monocorp/monoforge/modules/streamio"
)

const miByte = 1 << 20

// Duration unmarshals a TOML string like "30s"/"2h" via time.ParseDuration,
// matching the teacher's own serve.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// DatabaseConfig names the MySQL connection object storage and every other
// component share.
type DatabaseConfig struct {
	Name    string   `toml:"name"`
	User    string   `toml:"user"`
	Host    string   `toml:"host"`
	Port    int      `toml:"port"`
	Passwd  string   `toml:"passwd"`
	Timeout Duration `toml:"timeout,omitempty"`
}

// DSN builds a go-sql-driver/mysql compatible data source name.
func (d *DatabaseConfig) DSN() string {
	timeout := d.Timeout.Duration
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return d.User + ":" + d.Passwd + "@tcp(" + d.Host + ":" + strconv.Itoa(d.Port) + ")/" + d.Name +
		"?parseTime=true&interpolateParams=true&timeout=" + timeout.String() +
		"&readTimeout=" + timeout.String() + "&writeTimeout=" + timeout.String()
}

// CacheConfig holds the [cache] section's ristretto sizing; Load fills in
// defaults when the section is absent. The History Query cache and the
// Pack Decoder's base-object cache do not read it: both use fixed sizes.
type CacheConfig struct {
	NumCounters int64 `toml:"num_counters"`
	MaxCost     int64 `toml:"max_cost"`
	BufferItems int64 `toml:"buffer_items"`
}

func (c *CacheConfig) orDefault() *CacheConfig {
	if c != nil {
		return c
	}
	return &CacheConfig{NumCounters: 1_000_000, MaxCost: 64 << 20, BufferItems: 64}
}

// BlobBackendKind is the raw_blob.storage_type enum (§6).
type BlobBackendKind string

const (
	BlobBackendDatabase BlobBackendKind = "Database"
	BlobBackendLocalFs  BlobBackendKind = "LocalFs"
	BlobBackendAwsS3    BlobBackendKind = "AwsS3"
)

// BlobConfig configures the raw-blob backend and the size threshold above
// which PutRawBlob routes to it instead of the database column.
type BlobConfig struct {
	Backend   BlobBackendKind `toml:"backend"`
	Threshold int64           `toml:"threshold,omitempty"`
	FsRoot    string          `toml:"fs_root,omitempty"`
	S3Bucket  string          `toml:"s3_bucket,omitempty"`
	S3Prefix  string          `toml:"s3_prefix,omitempty"`
	S3Region  string          `toml:"s3_region,omitempty"`
}

// MonorepoConfig carries the monorepo.* options (§6).
type MonorepoConfig struct {
	ImportDir string   `toml:"import_dir,omitempty"`
	RootDirs  []string `toml:"root_dirs,omitempty"`
	RootRef   string   `toml:"root_ref,omitempty"`
}

// PackConfig carries the pack.* options (§6).
type PackConfig struct {
	ChannelMessageSize int   `toml:"channel_message_size,omitempty"`
	DecodeMemSize      int64 `toml:"decode_mem_size,omitempty"`
	DecodeDiskSize     int64 `toml:"decode_disk_size,omitempty"`
}

// MergeQueueConfig carries the merge_queue.* options (§6).
type MergeQueueConfig struct {
	MaxRetries int      `toml:"max_retries,omitempty"`
	TickPeriod Duration `toml:"tick_period,omitempty"`
}

// HTTPConfig configures the Smart-HTTP transport (C9).
type HTTPConfig struct {
	Listen        string   `toml:"listen"`
	ReadTimeout   Duration `toml:"read_timeout,omitempty"`
	WriteTimeout  Duration `toml:"write_timeout,omitempty"`
	IdleTimeout   Duration `toml:"idle_timeout,omitempty"`
	BannerVersion string   `toml:"banner_version,omitempty"`
	JWTSigningKey string   `toml:"jwt_signing_key,omitempty"`
}

// SSHConfig configures the SSH transport (C9).
type SSHConfig struct {
	Listen          string   `toml:"listen"`
	IdleTimeout     Duration `toml:"idle_timeout,omitempty"`
	BannerVersion   string   `toml:"banner_version,omitempty"`
	HostPrivateKeys []string `toml:"host_private_keys,omitempty"`
}

// Config is the whole parsed TOML document.
type Config struct {
	Database   DatabaseConfig    `toml:"database"`
	Cache      *CacheConfig      `toml:"cache,omitempty"`
	Blob       BlobConfig        `toml:"blob"`
	Monorepo   MonorepoConfig    `toml:"monorepo"`
	Pack       PackConfig        `toml:"pack"`
	MergeQueue MergeQueueConfig  `toml:"merge_queue"`
	HTTP       *HTTPConfig       `toml:"http,omitempty"`
	SSH        *SSHConfig        `toml:"ssh,omitempty"`
}

const (
	defaultMaxRetries         = 3
	defaultChannelMessageSize = 64
	defaultDecodeMemSize      = 256 << 20
	defaultDecodeDiskSize     = 4 << 30
	defaultReadTimeout        = 2 * time.Hour
	defaultWriteTimeout       = 2 * time.Hour
	defaultIdleTimeout        = 5 * time.Minute
)

// newExpandReader opens file, optionally expanding ${VAR} references in its
// contents — the same $ENV-substitution convenience
// `serve.NewExpandReader` gives every teacher server config.
func newExpandReader(file string, expandEnv bool) (io.ReadCloser, error) {
	fd, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	if !expandEnv {
		return fd, nil
	}
	defer fd.Close()
	buf, err := streamio.GrowReadMax(fd, 64*miByte, 4096)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(os.ExpandEnv(string(buf)))), nil
}

// Load reads and decodes file, filling in every component's defaults the
// way `NewServerConfig` does for each of the teacher's standalone servers.
func Load(file string, expandEnv bool) (*Config, error) {
	r, err := newExpandReader(file, expandEnv)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	c := &Config{
		MergeQueue: MergeQueueConfig{MaxRetries: defaultMaxRetries, TickPeriod: Duration{Duration: time.Second}},
		Pack: PackConfig{
			ChannelMessageSize: defaultChannelMessageSize,
			DecodeMemSize:      defaultDecodeMemSize,
			DecodeDiskSize:     defaultDecodeDiskSize,
		},
		Monorepo: MonorepoConfig{RootRef: "refs/heads/main"},
	}
	if _, err := toml.NewDecoder(r).Decode(c); err != nil {
		return nil, err
	}
	c.Cache = c.Cache.orDefault()
	if c.HTTP != nil {
		if c.HTTP.ReadTimeout.Duration == 0 {
			c.HTTP.ReadTimeout = Duration{Duration: defaultReadTimeout}
		}
		if c.HTTP.WriteTimeout.Duration == 0 {
			c.HTTP.WriteTimeout = Duration{Duration: defaultWriteTimeout}
		}
		if c.HTTP.IdleTimeout.Duration == 0 {
			c.HTTP.IdleTimeout = Duration{Duration: defaultIdleTimeout}
		}
		if c.HTTP.Listen == "" {
			c.HTTP.Listen = "127.0.0.1:21000"
		}
	}
	if c.SSH != nil {
		if c.SSH.IdleTimeout.Duration == 0 {
			c.SSH.IdleTimeout = Duration{Duration: defaultIdleTimeout}
		}
		if c.SSH.Listen == "" {
			c.SSH.Listen = "127.0.0.1:22000"
		}
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = BlobBackendDatabase
	}
	return c, nil
}
