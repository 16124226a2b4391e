// Package manifest tracks what the remote destination already holds so the
// publisher can skip re-uploading unchanged files. A manifest maps remote
// paths to the size and content hash that were last uploaded.
package manifest

import (
	"io"
	"strings"

	publishcache "github.com/wolfeidau/publish-cache"
)

// SchemaVersion identifies the persisted snapshot layout.
const SchemaVersion = 1

// archiveRetainMarker matches paths that must survive cleanup regardless of
// the current file set. The site archive is regenerated out of band and its
// manifest entry must not be dropped between publishes.
const archiveRetainMarker = "/wp-content.zip"

// FileEntry records what was last uploaded for one remote path.
type FileEntry struct {
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`
	ContentType string `json:"content_type,omitempty"`
}

// NewFileEntry builds the manifest entry for file content, hashing it with
// BLAKE3.
func NewFileEntry(data []byte, contentType string) FileEntry {
	return FileEntry{
		Size:        int64(len(data)),
		Hash:        publishcache.HashBytes(data).String(),
		ContentType: contentType,
	}
}

// NewFileEntryFromReader builds the manifest entry for streamed content.
func NewFileEntryFromReader(r io.Reader, contentType string) (FileEntry, error) {
	hash, n, err := publishcache.HashReader(r)
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{Size: n, Hash: hash.String(), ContentType: contentType}, nil
}

// Manifest maps remote paths to their last-uploaded state.
type Manifest map[string]FileEntry

// Clone returns a shallow copy. A nil manifest clones to an empty one.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ShouldSkipUpload reports whether the file at path is already present
// remotely with the given size and hash. Size is compared first so a
// mismatch avoids the hash comparison entirely; the hash must then match
// exactly. A path absent from the manifest is never skipped.
func ShouldSkipUpload(m Manifest, path string, size int64, hash string) bool {
	entry, ok := m[path]
	if !ok {
		return false
	}
	if entry.Size != size {
		return false
	}
	return entry.Hash == hash
}

// UpdateEntry returns a manifest with the entry for path set. A nil
// manifest is treated as empty. The input is not modified.
func UpdateEntry(m Manifest, path string, entry FileEntry) Manifest {
	out := m.Clone()
	out[path] = entry
	return out
}

// CleanupManifest drops entries whose paths are no longer part of the
// current file set. Entries whose path contains the site archive marker are
// always retained. A nil manifest cleans to an empty one; a nil current set
// leaves the manifest unchanged.
func CleanupManifest(m Manifest, current map[string]struct{}) Manifest {
	if current == nil {
		return m.Clone()
	}
	out := make(Manifest, len(m))
	for path, entry := range m {
		if _, ok := current[path]; ok || strings.Contains(path, archiveRetainMarker) {
			out[path] = entry
		}
	}
	return out
}
