// Copyright 2018 Sourced Technologies, S.L.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/monocorp/monoforge/modules/plumbing"
)

// Tag is an annotated tag object: a pointer to another object plus a
// tagger signature and free-form (optionally GPG-signed) content.
type Tag struct {
	Hash       plumbing.Hash `json:"hash"`
	Object     plumbing.Hash `json:"object"`
	ObjectType Type          `json:"type"`
	Name       string        `json:"name"`
	Tagger     Signature     `json:"tagger"`
	Content    string        `json:"content"`
}

func (t *Tag) Type() Type { return TagType }

// Extract splits Content into its message and, if present, a trailing
// "-----BEGIN PGP SIGNATURE-----" armored block (§4.1's optional signature
// verification hook).
func (t *Tag) Extract() (message, signature string) {
	if i := strings.Index(t.Content, "-----BEGIN"); i > 0 {
		return t.Content[:i], t.Content[i:]
	}
	return t.Content, ""
}

func (t *Tag) Message() string {
	m, _ := t.Extract()
	return m
}

func (t *Tag) Encode(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "object %s\ntype %s\ntag %s\ntagger %s\n\n%s",
		t.Object, t.ObjectType, t.Name, t.Tagger.String(), t.Content); err != nil {
		return err
	}
	return nil
}

func (t *Tag) Decode(r io.Reader) error {
	br := bufio.NewReader(r)
	var finishedHeaders bool
	var message strings.Builder
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("mono: tag decode: %w", readErr)
		}
		if finishedHeaders {
			message.WriteString(line)
		} else {
			text := strings.TrimSuffix(line, "\n")
			if len(text) == 0 {
				finishedHeaders = true
				if readErr == io.EOF {
					break
				}
				continue
			}
			field, value, ok := strings.Cut(text, " ")
			if !ok {
				return fmt.Errorf("mono: invalid tag header: %s", text)
			}
			switch field {
			case "object":
				t.Object = plumbing.NewHash(value)
			case "type":
				t.ObjectType = TypeFromString(value)
			case "tag":
				t.Name = value
			case "tagger":
				t.Tagger.Decode([]byte(value))
			default:
				return fmt.Errorf("mono: unknown tag header: %s", field)
			}
		}
		if readErr == io.EOF {
			break
		}
	}
	t.Content = message.String()
	return nil
}

// VerifySignature checks Content's trailing PGP armor block (if any)
// against keyring, verifying it signs exactly the message portion of
// Content. Tags without a signature block return (false, nil): signature
// verification is optional per §4.1, not mandatory on decode.
func (t *Tag) VerifySignature(keyring openpgp.EntityList) (bool, error) {
	message, signature := t.Extract()
	if signature == "" {
		return false, nil
	}
	_, err := openpgp.CheckArmoredDetachedSignature(keyring, strings.NewReader(message), strings.NewReader(signature), nil)
	if err != nil {
		return false, fmt.Errorf("mono: tag signature verification: %w", err)
	}
	return true, nil
}
