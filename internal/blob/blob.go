// Package blob stores generated images in object storage.
//
// Two backends share one contract: a local directory tree (the default for a
// single-host deployment) and any S3-compatible bucket. Objects are addressed
// by key; the URI recorded on artifacts is the backend's canonical form
// (file:// or s3://) and presigned URLs are minted on demand for operators.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("blob not found")

// ContentTypePNG is the content type of every stage output.
const ContentTypePNG = "image/png"

// Object identifies a stored object.
type Object struct {
	Key string
	URI string
}

// Store is the object storage contract.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// PresignGet returns a URL an operator can fetch for ttl without credentials.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Artifact kinds used in slot keys.
const (
	KindGenerated = "generated"
	KindBranded   = "branded"
	KindFinal     = "final"
)

// SlotKey builds campaigns/{id}/{locale}/{ratio}/{kind}_{ts}.png under prefix.
func SlotKey(prefix, campaignID, locale, ratio, kind string, at time.Time) string {
	name := fmt.Sprintf("%s_%s.png", kind, at.UTC().Format("20060102T150405.000000000Z"))
	key := path.Join("campaigns", campaignID, locale, ratio, name)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = path.Join(prefix, key)
	}
	return key
}

// Location is a parsed object URI.
type Location struct {
	Scheme string
	Bucket string
	Key    string
	Raw    string
}

// ParseURI splits s3://bucket/key, file:///path, and http(s) URLs. A bare
// string is treated as a key in the configured store.
func ParseURI(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("empty blob uri")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "", Key: strings.TrimPrefix(raw, "/"), Raw: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse blob uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3":
		return Location{Scheme: "s3", Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/"), Raw: raw}, nil
	case "file":
		return Location{Scheme: "file", Key: u.Path, Raw: raw}, nil
	case "http", "https":
		return Location{Scheme: u.Scheme, Raw: raw}, nil
	default:
		return Location{}, fmt.Errorf("unsupported blob uri scheme %q", u.Scheme)
	}
}
