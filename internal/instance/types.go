// Package instance describes the desired and actual contents of a game
// instance directory and classifies the differences between them.
package instance

import (
	"strings"

	"instsync/internal/file"
)

// CurseforgeRef identifies a file in the CurseForge catalog.
type CurseforgeRef struct {
	ProjectID int `json:"projectId"`
	FileID    int `json:"fileId"`
}

// ModrinthRef identifies a version in the Modrinth catalog.
type ModrinthRef struct {
	ProjectID string `json:"projectId"`
	VersionID string `json:"versionId"`
}

// File is the desired state of one file relative to an instance root.
type File struct {
	Path       string            `json:"path"`
	Hashes     map[string]string `json:"hashes"`
	Size       int64             `json:"size,omitempty"`
	Downloads  []string          `json:"downloads,omitempty"`
	Curseforge *CurseforgeRef    `json:"curseforge,omitempty"`
	Modrinth   *ModrinthRef      `json:"modrinth,omitempty"`
}

// SHA1 returns the sha1 digest, or "" when the manifest did not declare one.
func (f File) SHA1() string { return strings.ToLower(f.Hashes[file.SHA1]) }

// IsDir reports whether the entry is a directory marker.
func (f File) IsDir() bool { return strings.HasSuffix(f.Path, "/") }

// Clone returns a deep copy, so callers can extend downloads without
// touching the original.
func (f File) Clone() File {
	out := f
	if f.Hashes != nil {
		out.Hashes = make(map[string]string, len(f.Hashes))
		for k, v := range f.Hashes {
			out.Hashes[k] = v
		}
	}
	if f.Downloads != nil {
		out.Downloads = append([]string(nil), f.Downloads...)
	}
	if f.Curseforge != nil {
		cf := *f.Curseforge
		out.Curseforge = &cf
	}
	if f.Modrinth != nil {
		mr := *f.Modrinth
		out.Modrinth = &mr
	}
	return out
}

// WithDownloads returns a copy with urls appended, skipping any already present.
func (f File) WithDownloads(urls ...string) File {
	out := f.Clone()
	seen := make(map[string]struct{}, len(out.Downloads)+len(urls))
	for _, u := range out.Downloads {
		seen[u] = struct{}{}
	}
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out.Downloads = append(out.Downloads, u)
	}
	return out
}

// SameContent reports whether a and b declare the same content. The first
// algorithm both declare decides; entries without a common algorithm differ.
func SameContent(a, b File) bool {
	_, mismatch, ok := file.Mismatch(a.Hashes, b.Hashes)
	return ok && !mismatch
}

// Operation is the action the engine takes for one path.
type Operation string

const (
	OpAdd          Operation = "add"
	OpRemove       Operation = "remove"
	OpUpdate       Operation = "update"
	OpKeep         Operation = "keep"
	OpBackupAdd    Operation = "backup-add"
	OpBackupRemove Operation = "backup-remove"
)

// Installs reports whether the operation places new content at the path.
func (o Operation) Installs() bool {
	return o == OpAdd || o == OpUpdate || o == OpBackupAdd
}

// FileOperation pairs a file with the action decided for it. Current is set
// for backup operations and carries the on-disk state being superseded.
type FileOperation struct {
	File      File      `json:"file"`
	Operation Operation `json:"operation"`
	Current   *File     `json:"currentFile,omitempty"`
}
