package vfs

import (
	"hash/fnv"

	"github.com/benbjohnson/immutable"
)

// fileMap is a persistent map from FileID to *FileRecord. set copies only
// the trie path to the changed key, so untouched subtrees are shared between
// snapshots. The zero value is an empty map.
type fileMap struct {
	m *immutable.Map[FileID, *FileRecord]
}

type fileHasher struct{}

func (fileHasher) Hash(id FileID) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id.Package))
	h.Write([]byte{0})
	h.Write([]byte(id.Path))
	return h.Sum32()
}

func (fileHasher) Equal(a, b FileID) bool { return a == b }

func (f fileMap) get(id FileID) (*FileRecord, bool) {
	if f.m == nil {
		return nil, false
	}
	return f.m.Get(id)
}

func (f fileMap) set(id FileID, rec *FileRecord) fileMap {
	m := f.m
	if m == nil {
		m = immutable.NewMap[FileID, *FileRecord](fileHasher{})
	}
	return fileMap{m: m.Set(id, rec)}
}

func (f fileMap) each(fn func(FileID, *FileRecord)) {
	if f.m == nil {
		return
	}
	itr := f.m.Iterator()
	for !itr.Done() {
		id, rec, ok := itr.Next()
		if !ok {
			break
		}
		fn(id, rec)
	}
}

func (f fileMap) len() int {
	if f.m == nil {
		return 0
	}
	return f.m.Len()
}
