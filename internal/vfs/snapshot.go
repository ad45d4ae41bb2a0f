package vfs

import "sort"

// Snapshot is an immutable view of every file at one revision. Snapshots are
// safe to share between goroutines and never observe later writes.
type Snapshot struct {
	rev   Revision
	files fileMap
}

// Revision returns the revision the snapshot was taken at.
func (s *Snapshot) Revision() Revision { return s.rev }

// Lookup returns the raw record for id, including tombstones and unreadable
// records. ok is false when the FileID never existed at this revision.
func (s *Snapshot) Lookup(id FileID) (*FileRecord, bool) {
	return s.files.get(id)
}

// Read returns the live record for id. Tombstones yield ErrNotFound and
// unreadable files yield an *IOError.
func (s *Snapshot) Read(id FileID) (*FileRecord, error) {
	rec, ok := s.files.get(id)
	if !ok || rec.Deleted {
		return nil, ErrNotFound
	}
	if rec.Err != nil {
		return nil, &IOError{ID: id, Err: rec.Err}
	}
	return rec, nil
}

// Fingerprint returns the fingerprint of id at this revision, "absent" when
// the file never existed.
func (s *Snapshot) Fingerprint(id FileID) string {
	rec, ok := s.files.get(id)
	if !ok {
		return "absent"
	}
	return rec.Fingerprint()
}

// Files returns the IDs of all live files, sorted by package then path.
func (s *Snapshot) Files() []FileID {
	var ids []FileID
	s.files.each(func(id FileID, rec *FileRecord) {
		if !rec.Deleted {
			ids = append(ids, id)
		}
	})
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Package != ids[j].Package {
			return ids[i].Package < ids[j].Package
		}
		return ids[i].Path < ids[j].Path
	})
	return ids
}

// Len returns the number of records, tombstones included.
func (s *Snapshot) Len() int { return s.files.len() }
