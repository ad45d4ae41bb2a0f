package vfs

import (
	"errors"
	"io/fs"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jward/lectern/internal/metrics"
)

// Reader is the read capability of a file provider.
type Reader interface {
	Read(path string) ([]byte, error)
}

// Store is the single-writer revisioned file store. Writes are serialized;
// reads through a Snapshot never block.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	disk    map[FileID]*FileRecord
	overlay map[FileID]*FileRecord
	history map[FileID][]*FileRecord

	retain   int
	retained []*Snapshot // oldest first, bounded by retain

	reader Reader
	subs   []func(Commit)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention sets how many past snapshots Snapshot(rev) can return.
func WithRetention(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.retain = n
		}
	}
}

// WithReader sets the provider used to load external changes.
func WithReader(r Reader) StoreOption {
	return func(s *Store) {
		s.reader = r
	}
}

// DefaultRetention is the number of past snapshots kept addressable.
const DefaultRetention = 64

// NewStore creates an empty store at revision 0.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		disk:    make(map[FileID]*FileRecord),
		overlay: make(map[FileID]*FileRecord),
		history: make(map[FileID][]*FileRecord),
		retain:  DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := &Snapshot{}
	s.current.Store(empty)
	s.retained = []*Snapshot{empty}
	return s
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Revision returns the latest committed revision.
func (s *Store) Revision() Revision {
	return s.current.Load().rev
}

// OnCommit registers fn to be called after every commit, in revision order.
// fn runs on the writer's goroutine and must not write to the store.
func (s *Store) OnCommit(fn func(Commit)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Write publishes an overlay (editor buffer) version of id. Overlays take
// precedence over disk content until cleared.
func (s *Store) Write(id FileID, content []byte) Revision {
	return s.Apply(Change{ID: id, Content: content, Origin: OriginOverlay})
}

// WriteDisk publishes the on-disk content of id.
func (s *Store) WriteDisk(id FileID, content []byte) Revision {
	return s.Apply(Change{ID: id, Content: content, Origin: OriginDisk})
}

// Delete publishes a tombstone for id. Snapshots taken earlier still see
// the file.
func (s *Store) Delete(id FileID) Revision {
	return s.Apply(Change{ID: id, Delete: true})
}

// ClearOverlay drops the overlay for id so the disk version shows through.
func (s *Store) ClearOverlay(id FileID) Revision {
	return s.Apply(Change{ID: id, Clear: true})
}

// Apply commits a batch of changes as one revision.
func (s *Store) Apply(changes ...Change) Revision {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if len(changes) == 0 {
		return prev.rev
	}
	rev := prev.rev + 1
	files := prev.files
	changed := make([]FileID, 0, len(changes))
	seen := make(map[FileID]bool, len(changes))

	for _, c := range changes {
		var introduced Revision
		if old, ok := files.get(c.ID); ok {
			introduced = old.Introduced
		}
		if introduced == 0 {
			introduced = rev
		}

		rec := &FileRecord{
			ID:         c.ID,
			Origin:     c.Origin,
			Introduced: introduced,
			Changed:    rev,
		}
		switch {
		case c.Clear:
			delete(s.overlay, c.ID)
			if d, ok := s.disk[c.ID]; ok {
				cp := *d
				rec = &cp
				rec.Introduced, rec.Changed = introduced, rev
			} else {
				rec.Deleted = true
			}
		case c.Delete:
			rec.Deleted = true
			delete(s.overlay, c.ID)
			s.disk[c.ID] = rec
		case c.Vanished:
			rec.Deleted = true
			s.disk[c.ID] = rec
		case c.Err != nil:
			rec.Err = c.Err
			s.disk[c.ID] = rec
		default:
			rec.Content = append([]byte(nil), c.Content...)
			rec.Hash = HashContent(rec.Content)
			if c.Origin == OriginOverlay {
				s.overlay[c.ID] = rec
			} else {
				s.disk[c.ID] = rec
			}
		}

		// A disk change under an active overlay is recorded but not visible.
		if !c.Clear && !c.Delete && c.Origin != OriginOverlay {
			if ov, ok := s.overlay[c.ID]; ok {
				rec = ov
			}
		}
		if cur, ok := files.get(c.ID); ok && cur == rec {
			continue
		}

		files = files.set(c.ID, rec)
		s.history[c.ID] = append(s.history[c.ID], rec)
		if !seen[c.ID] {
			seen[c.ID] = true
			changed = append(changed, c.ID)
		}
	}

	snap := &Snapshot{rev: rev, files: files}
	s.current.Store(snap)
	s.retained = append(s.retained, snap)
	if len(s.retained) > s.retain {
		s.retained = s.retained[len(s.retained)-s.retain:]
	}

	metrics.SetRevision(uint64(rev))
	metrics.RecordFilesChanged(len(changed))

	commit := Commit{Revision: rev, Changed: changed}
	for _, fn := range s.subs {
		fn(commit)
	}
	return rev
}

// Read returns the record for id that was current at rev.
func (s *Store) Read(id FileID, rev Revision) (*FileRecord, error) {
	if rev > s.Revision() {
		return nil, ErrFutureRevision
	}
	s.mu.Lock()
	hist := s.history[id]
	s.mu.Unlock()

	// history is append-only and ordered by Changed.
	i := sort.Search(len(hist), func(i int) bool { return hist[i].Changed > rev })
	if i == 0 {
		return nil, ErrNotFound
	}
	rec := hist[i-1]
	if rec.Deleted {
		return nil, ErrNotFound
	}
	if rec.Err != nil {
		return nil, &IOError{ID: id, Err: rec.Err}
	}
	return rec, nil
}

// History returns every record published for id, oldest first.
func (s *Store) History(id FileID) []*FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FileRecord(nil), s.history[id]...)
}

// Snapshot returns the snapshot at rev if it is still retained.
func (s *Store) Snapshot(rev Revision) (*Snapshot, error) {
	cur := s.current.Load()
	if rev == cur.rev {
		return cur, nil
	}
	if rev > cur.rev {
		return nil, ErrFutureRevision
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.retained), func(i int) bool { return s.retained[i].rev >= rev })
	if i < len(s.retained) && s.retained[i].rev == rev {
		return s.retained[i], nil
	}
	return nil, ErrRevisionEvicted
}

// External loads path from the configured reader and publishes the result
// as a disk change. A missing file becomes a disk tombstone, hidden by any
// overlay; any other read failure becomes an unreadable record for that
// file only.
func (s *Store) External(paths ...string) Revision {
	if s.reader == nil || len(paths) == 0 {
		return s.Revision()
	}
	changes := make([]Change, 0, len(paths))
	for _, p := range paths {
		id := LocalFile(p)
		data, err := s.reader.Read(id.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			changes = append(changes, Change{ID: id, Vanished: true})
		case err != nil:
			changes = append(changes, Change{ID: id, Err: err})
		default:
			changes = append(changes, Change{ID: id, Content: data, Origin: OriginDisk})
		}
	}
	return s.Apply(changes...)
}
