// Package store is a content-addressed resource store: blobs sharded by sha1
// on disk, indexed in badger with the URIs and catalog metadata they were
// fetched from.
package store

import (
	"context"
	"errors"
	"time"

	"instsync/internal/instance"
)

var ErrNotRegular = errors.New("not a regular file")

// Metadata is what the store remembers about where a resource came from.
type Metadata struct {
	FileName   string                  `json:"fileName,omitempty"`
	Curseforge *instance.CurseforgeRef `json:"curseforge,omitempty"`
	Modrinth   *instance.ModrinthRef   `json:"modrinth,omitempty"`
}

// Resource is one indexed blob.
type Resource struct {
	Hash      string    `json:"hash"`
	Path      string    `json:"path"`
	Ino       uint64    `json:"ino"`
	Size      int64     `json:"size"`
	URIs      []string  `json:"uris,omitempty"`
	Metadata  Metadata  `json:"metadata"`
	StoredAt  time.Time `json:"storedAt"`
	TouchedAt time.Time `json:"touchedAt"`
}

// Store is the content store consumed by the install engine.
type Store interface {
	// Lookup finds a resource by sha1.
	Lookup(ctx context.Context, hash string) (Resource, bool, error)
	// Insert hashes the file at path and makes it available under its sha1.
	// Inserting an existing hash merges uris and metadata.
	Insert(ctx context.Context, path string, meta Metadata, uris []string) (Resource, error)
	// Touch refreshes the access time of res. It reports false, and drops
	// the index entry, when the backing blob is gone.
	Touch(ctx context.Context, res Resource) (bool, error)
	// AddURIs records further origins for an existing resource.
	AddURIs(ctx context.Context, hash string, uris []string) error
	// BlobPath is where the blob for hash lives.
	BlobPath(hash string) string
}

// MetadataFor derives store metadata from a manifest entry.
func MetadataFor(f instance.File) Metadata {
	c := f.Clone()
	return Metadata{
		FileName:   baseName(f.Path),
		Curseforge: c.Curseforge,
		Modrinth:   c.Modrinth,
	}
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

func mergeURIs(existing, extra []string) ([]string, bool) {
	seen := make(map[string]struct{}, len(existing))
	for _, u := range existing {
		seen[u] = struct{}{}
	}
	out := existing
	changed := false
	for _, u := range extra {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
		changed = true
	}
	return out, changed
}
