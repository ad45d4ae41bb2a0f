// Package vfs is the revisioned virtual file store. It is the single source of
// truth for what the filesystem looks like at a given revision: every commit
// publishes new immutable FileRecords and a new Snapshot, and older snapshots
// stay valid for as long as somebody holds them.
package vfs

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Revision identifies one committed mutation batch. Revisions are totally
// ordered and start at 1; revision 0 is the empty store.
type Revision uint64

var (
	// ErrNotFound is returned for files that do not exist at a revision,
	// including files whose latest record is a tombstone.
	ErrNotFound = errors.New("vfs: file not found")

	// ErrRevisionEvicted is returned when a snapshot for an old revision is
	// no longer retained.
	ErrRevisionEvicted = errors.New("vfs: revision no longer retained")

	// ErrFutureRevision is returned for revisions that have not been
	// committed yet.
	ErrFutureRevision = errors.New("vfs: revision not committed")
)

// FileID identifies a logical file. Workspace files have an empty Package;
// package-resolved files carry their package spec ("@ns/name:version").
// Path is slash-separated and relative to the workspace or package root.
type FileID struct {
	Package string
	Path    string
}

// LocalFile returns the FileID of a workspace file.
func LocalFile(p string) FileID {
	return FileID{Path: CleanPath(p)}
}

// PackageFile returns the FileID of a file inside a package.
func PackageFile(pkg, p string) FileID {
	return FileID{Package: pkg, Path: CleanPath(p)}
}

// IsPackage reports whether the file lives in a package namespace.
func (id FileID) IsPackage() bool { return id.Package != "" }

// Dir returns the directory part of the path.
func (id FileID) Dir() string { return path.Dir(id.Path) }

func (id FileID) String() string {
	if id.Package == "" {
		return id.Path
	}
	return id.Package + "/" + id.Path
}

// ParseFileID is the inverse of FileID.String.
func ParseFileID(s string) FileID {
	if strings.HasPrefix(s, "@") {
		// @ns/name:version/path
		parts := strings.SplitN(s, "/", 3)
		if len(parts) == 3 {
			return FileID{Package: parts[0] + "/" + parts[1], Path: CleanPath(parts[2])}
		}
	}
	return LocalFile(s)
}

// CleanPath normalizes a slash path and strips the leading separator.
func CleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}

// Origin says which layer a record came from.
type Origin int

const (
	OriginDisk Origin = iota
	OriginOverlay
	OriginPackage
)

func (o Origin) String() string {
	switch o {
	case OriginOverlay:
		return "overlay"
	case OriginPackage:
		return "package"
	default:
		return "disk"
	}
}

// IOError marks a file whose content could not be read. Other files are
// unaffected.
type IOError struct {
	ID  FileID
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("vfs: read %s: %v", e.ID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FileRecord is one immutable version of a file. Records are never mutated
// after publication; edits publish a new record.
type FileRecord struct {
	ID      FileID
	Content []byte
	Hash    string // sha256 hex of Content; empty for tombstones and unreadable files
	Origin  Origin
	Deleted bool
	Err     error // non-nil when the file is unreadable

	// Introduced is the revision at which the FileID first appeared.
	Introduced Revision
	// Changed is the revision at which this record was published.
	Changed Revision
}

// Fingerprint summarizes the observable state of the record. Two records
// with the same fingerprint are interchangeable for analysis purposes.
func (r *FileRecord) Fingerprint() string {
	switch {
	case r == nil:
		return "absent"
	case r.Deleted:
		return "deleted"
	case r.Err != nil:
		return "error:" + r.Err.Error()
	default:
		return r.Hash
	}
}

// Live reports whether the record holds readable content.
func (r *FileRecord) Live() bool {
	return r != nil && !r.Deleted && r.Err == nil
}

// Text returns the content as a string.
func (r *FileRecord) Text() string { return string(r.Content) }

// HashContent computes the content hash used for fingerprints.
func HashContent(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// Change is one mutation in a commit batch.
type Change struct {
	ID      FileID
	Content []byte
	Origin  Origin
	Delete  bool
	Err     error

	// Vanished records that ID is gone from disk. Unlike Delete it leaves
	// an overlay for ID in place.
	Vanished bool

	// Clear drops the overlay for ID so the disk layer shows through.
	Clear bool
}

// Commit describes a published revision.
type Commit struct {
	Revision Revision
	Changed  []FileID
}
