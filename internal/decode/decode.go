// Package decode maps raw connection-string lines to canonical
// Configuration records. Decoders are pure: any malformed input yields a
// typed error, never a panic past the dispatcher.
package decode

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gustycube/subharvest/internal/types"
)

// Error describes a line that could not be decoded.
type Error struct {
	Scheme string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Scheme, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Scheme, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

type decoder func(line, sourceURL string) (*types.Configuration, error)

// Dispatch is checked in a fixed priority order; schemes are disjoint so
// the first match is authoritative.
var dispatch = []struct {
	scheme string
	decode decoder
}{
	{"vmess://", decodeVMess},
	{"vless://", decodeVLESS},
	{"trojan://", decodeTrojan},
	{"ss://", decodeSS},
}

// Line decodes one connection string. The returned record carries the
// source URL for provenance and a creation timestamp.
func Line(line, sourceURL string) (*types.Configuration, error) {
	line = strings.TrimSpace(line)
	for _, d := range dispatch {
		if !strings.HasPrefix(line, d.scheme) {
			continue
		}
		cfg, err := d.decode(line, sourceURL)
		if err != nil {
			return nil, err
		}
		cfg.SourceURL = sourceURL
		cfg.CreatedAt = time.Now().UTC()
		if err := cfg.Validate(); err != nil {
			return nil, &Error{Scheme: strings.TrimSuffix(d.scheme, "://"), Reason: "invalid record", Err: err}
		}
		return cfg, nil
	}
	return nil, &Error{Reason: "unknown scheme"}
}

// Body decodes a whole feed body into records, skipping blank lines,
// comments, and undecodable lines. Base64-wrapped subscription bodies are
// unwrapped first; HTML pages are reduced to their embedded link tokens.
func Body(body []byte, sourceURL string) []*types.Configuration {
	content := Normalize(body)
	var out []*types.Configuration
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		cfg, err := Line(line, sourceURL)
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// Scan counts decodable-looking lines and the distinct protocols present.
// It is cheaper than Body: lines are matched by prefix, not decoded.
func Scan(body []byte) (count int, protocols []types.Protocol) {
	content := Normalize(body)
	seen := make(map[types.Protocol]struct{})
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		for _, d := range dispatch {
			if strings.HasPrefix(line, d.scheme) {
				count++
				p := types.Protocol(strings.TrimSuffix(d.scheme, "://"))
				if _, ok := seen[p]; !ok {
					seen[p] = struct{}{}
					protocols = append(protocols, p)
				}
				break
			}
		}
	}
	return count, protocols
}

// Normalize unwraps the two common feed envelopes: a single Base64 blob
// covering the whole body, and an HTML page embedding the links.
func Normalize(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if containsScheme(trimmed) {
		if isHTML(trimmed) {
			return extractFromHTML(trimmed)
		}
		return trimmed
	}
	if decoded, err := decodeBase64Padded(string(trimmed)); err == nil && containsScheme(decoded) {
		return decoded
	}
	return trimmed
}

func containsScheme(b []byte) bool {
	for _, d := range dispatch {
		if bytes.Contains(b, []byte(d.scheme)) {
			return true
		}
	}
	return false
}

func isHTML(b []byte) bool {
	head := b
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	return bytes.Contains(lower, []byte("<!doctype html")) || bytes.Contains(lower, []byte("<html"))
}

// decodeBase64Padded pads the input to a multiple of 4 and tries the
// standard alphabet first, then the URL-safe one. Feeds mix both.
func decodeBase64Padded(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
