// Copyright 2018 Sourced Technologies, S.L.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/monocorp/monoforge/modules/plumbing"
)

// DateFormat matches git's own log date rendering.
const DateFormat = "Mon Jan 02 15:04:05 2006 -0700"

// Signature is a name/email/timestamp triple as it appears in the author
// and committer lines of a commit or the tagger line of a tag.
type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

const timeZoneLength = 5

func (s *Signature) decodeTimeAndTimeZone(b []byte) {
	space := bytes.IndexByte(b, ' ')
	if space == -1 {
		space = len(b)
	}
	ts, err := strconv.ParseInt(string(b[:space]), 10, 64)
	if err != nil {
		return
	}
	s.When = time.Unix(ts, 0).In(time.UTC)
	tzStart := space + 1
	if tzStart >= len(b) || tzStart+timeZoneLength > len(b) {
		return
	}
	tz := string(b[tzStart : tzStart+timeZoneLength])
	hours, err1 := strconv.ParseInt(tz[0:3], 10, 64)
	mins, err2 := strconv.ParseInt(tz[3:], 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	if hours < 0 {
		mins *= -1
	}
	s.When = s.When.In(time.FixedZone("", int(hours*3600+mins*60)))
}

// Decode parses a "Name <email> epoch tz" line body (the part after the
// "author "/"committer " key has already been stripped).
func (s *Signature) Decode(b []byte) {
	open := bytes.LastIndexByte(b, '<')
	close := bytes.LastIndexByte(b, '>')
	if open == -1 || close == -1 || close < open {
		return
	}
	s.Name = string(bytes.TrimSpace(b[:open]))
	s.Email = string(b[open+1 : close])
	if close+2 < len(b) {
		s.decodeTimeAndTimeZone(b[close+2:])
	}
}

func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), s.When.Format("-0700"))
}

// ExtraHeader preserves a header line the codec doesn't interpret (e.g.
// "gpgsig", "mergetag", "encoding") so round-tripping a commit never loses
// bytes.
type ExtraHeader struct {
	K string
	V string
}

// Commit is the wire-format of a commit object: a tree, zero or more
// parents, author/committer signatures, optional extra headers, and a
// free-form message.
type Commit struct {
	Hash         plumbing.Hash   `json:"hash"`
	Tree         plumbing.Hash   `json:"tree"`
	Parents      []plumbing.Hash `json:"parents"`
	Author       Signature       `json:"author"`
	Committer    Signature       `json:"committer"`
	ExtraHeaders []*ExtraHeader  `json:"-"`
	Message      string          `json:"message"`
}

func (c *Commit) Type() Type { return CommitType }

func (c *Commit) Encode(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "tree %s\n", c.Tree.String()); err != nil {
		return err
	}
	for _, p := range c.Parents {
		if _, err := fmt.Fprintf(w, "parent %s\n", p.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "author %s\ncommitter %s\n", c.Author.String(), c.Committer.String()); err != nil {
		return err
	}
	for _, hdr := range c.ExtraHeaders {
		if _, err := fmt.Fprintf(w, "%s %s\n", hdr.K, strings.ReplaceAll(hdr.V, "\n", "\n ")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%s", c.Message)
	return err
}

func (c *Commit) Decode(r io.Reader) error {
	br := bufio.NewReader(r)
	var message strings.Builder
	var finishedHeaders bool
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("mono: commit decode: %w", readErr)
		}
		text := strings.TrimSuffix(line, "\n")
		if !finishedHeaders {
			if len(text) == 0 {
				finishedHeaders = true
				if readErr == io.EOF {
					break
				}
				continue
			}
			if strings.HasPrefix(text, " ") && len(c.ExtraHeaders) != 0 {
				idx := len(c.ExtraHeaders) - 1
				c.ExtraHeaders[idx].V = strings.Join([]string{c.ExtraHeaders[idx].V, text[1:]}, "\n")
			} else if sp := strings.IndexByte(text, ' '); sp != -1 {
				key, val := text[:sp], text[sp+1:]
				switch key {
				case "tree":
					c.Tree = plumbing.NewHash(val)
				case "parent":
					c.Parents = append(c.Parents, plumbing.NewHash(val))
				case "author":
					c.Author.Decode([]byte(val))
				case "committer":
					c.Committer.Decode([]byte(val))
				default:
					c.ExtraHeaders = append(c.ExtraHeaders, &ExtraHeader{K: key, V: val})
				}
			}
		} else {
			message.WriteString(line)
		}
		if readErr == io.EOF {
			break
		}
	}
	c.Message = message.String()
	return nil
}

// Less orders commits by committer time, then author time, then hash — used
// by the History Query component's earliest-commit search (§4.10).
func (c *Commit) Less(rhs *Commit) bool {
	if !c.Committer.When.Equal(rhs.Committer.When) {
		return c.Committer.When.Before(rhs.Committer.When)
	}
	if !c.Author.When.Equal(rhs.Author.When) {
		return c.Author.When.Before(rhs.Author.When)
	}
	return bytes.Compare(c.Hash[:], rhs.Hash[:]) < 0
}

func (c *Commit) Subject() string {
	if i := strings.IndexAny(c.Message, "\r\n"); i != -1 {
		return c.Message[:i]
	}
	return c.Message
}

func (c *Commit) NumParents() int { return len(c.Parents) }

func (c *Commit) String() string {
	return fmt.Sprintf("commit %s\nAuthor: %s\nDate:   %s\n\n%s\n",
		c.Hash, c.Author.String(), c.Author.When.Format(DateFormat), c.Message)
}
