package watch

import (
	"strings"
	"sync"
)

// wdMap is the in-memory mapping between kernel watch descriptors and the
// paths they watch. It is consulted on every raw event to resolve a
// descriptor back to an absolute path, and rewritten whenever a watched
// subtree moves.
type wdMap struct {
	mu     sync.Mutex
	byWd   map[int32]string
	byPath map[string]int32
}

func newWdMap() *wdMap {
	return &wdMap{
		byWd:   make(map[int32]string),
		byPath: make(map[string]int32),
	}
}

// add records wd as watching path, replacing any prior entry for either key.
func (m *wdMap) add(wd int32, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byWd[wd] = path
	m.byPath[path] = wd
}

// remove deletes the entry for wd, returning the path it was watching, if
// any.
func (m *wdMap) remove(wd int32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.byWd[wd]
	if !ok {
		return "", false
	}
	delete(m.byWd, wd)
	delete(m.byPath, path)
	return path, true
}

// lookup resolves a watch descriptor to its path.
func (m *wdMap) lookup(wd int32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.byWd[wd]
	return path, ok
}

// descendantWds returns the watch descriptors whose path equals prefix or
// is nested under it.
func (m *wdMap) descendantWds(prefix string) []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int32
	for wd, path := range m.byWd {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			out = append(out, wd)
		}
	}
	return out
}

// rewritePrefix updates every recorded path with the given old prefix to
// use newPrefix instead, following a directory rename. The watch
// descriptors themselves remain valid: inotify watches are bound to the
// inode, not the path.
func (m *wdMap) rewritePrefix(oldPrefix, newPrefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for wd, path := range m.byWd {
		var rewritten string
		switch {
		case path == oldPrefix:
			rewritten = newPrefix
		case strings.HasPrefix(path, oldPrefix+"/"):
			rewritten = newPrefix + path[len(oldPrefix):]
		default:
			continue
		}

		delete(m.byPath, path)
		m.byWd[wd] = rewritten
		m.byPath[rewritten] = wd
	}
}
