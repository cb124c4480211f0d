// Package permission decides which peers may connect and which calls they may
// make without asking.
//
// The list is persisted as YAML:
//
//	enforce: true
//	peers:
//	  - hash: 9f86d081884c7d65...
//	    name: laptop
//	    connect: true
//	    always:
//	      FileShare.listFiles: true
//	      FileShare.*: false
//
// An action is "Interface.method". "Interface.*" and "*" match every method
// of an interface or every method at all.
package permission

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Entry is the stored decision for one peer identity.
type Entry struct {
	Hash    string          `yaml:"hash"`
	Name    string          `yaml:"name,omitempty"`
	Connect bool            `yaml:"connect"`
	Always  map[string]bool `yaml:"always,omitempty"`
}

// List is a permission list. It is safe for concurrent use.
type List struct {
	mu      sync.RWMutex
	enforce bool
	entries map[string]*Entry
	order   []string
}

type document struct {
	Enforce bool     `yaml:"enforce"`
	Peers   []*Entry `yaml:"peers"`
}

// NewList returns an empty list.
func NewList(enforce bool) *List {
	return &List{enforce: enforce, entries: map[string]*Entry{}}
}

// Load reads a list from path. A missing file yields an empty, non-enforcing list.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewList(false), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read permission list")
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "Failed to parse permission list %s", path)
	}
	l := NewList(doc.Enforce)
	for _, e := range doc.Peers {
		if e == nil || e.Hash == "" {
			continue
		}
		l.put(e)
	}
	return l, nil
}

// Save writes the list to path atomically.
func (l *List) Save(path string) error {
	l.mu.RLock()
	doc := document{Enforce: l.enforce}
	for _, hash := range l.order {
		doc.Peers = append(doc.Peers, l.entries[hash])
	}
	data, err := yaml.Marshal(&doc)
	l.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "Failed to encode permission list")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "Failed to create permission directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".permissions-*")
	if err != nil {
		return errors.Wrap(err, "Failed to create temporary file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Failed to write permission list")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "Failed to write permission list")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "Failed to replace permission list")
}

// Enforced reports whether unknown peers are turned away.
func (l *List) Enforced() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enforce
}

// SetEnforce switches enforcement on or off.
func (l *List) SetEnforce(enforce bool) {
	l.mu.Lock()
	l.enforce = enforce
	l.mu.Unlock()
}

// Lookup returns a copy of the entry for hash.
func (l *List) Lookup(hash string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[hash]
	if !ok {
		return Entry{}, false
	}
	c := *e
	c.Always = make(map[string]bool, len(e.Always))
	for k, v := range e.Always {
		c.Always[k] = v
	}
	return c, true
}

// Entries returns copies of all entries in insertion order.
func (l *List) Entries() []Entry {
	l.mu.RLock()
	order := append([]string(nil), l.order...)
	l.mu.RUnlock()

	entries := make([]Entry, 0, len(order))
	for _, hash := range order {
		if e, ok := l.Lookup(hash); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// CanConnect reports whether a peer with this identity hash may complete a
// handshake.
func (l *List) CanConnect(hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.enforce {
		return true
	}
	e, ok := l.entries[hash]
	return ok && e.Connect
}

// Allow reports whether action is marked always-allowed for hash.
func (l *List) Allow(hash, action string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[hash]
	if !ok {
		return false
	}
	for _, key := range candidates(action) {
		if allowed, ok := e.Always[key]; ok {
			return allowed
		}
	}
	return false
}

// candidates lists the keys matching action, most specific first.
func candidates(action string) []string {
	keys := []string{action}
	for i := len(action) - 1; i >= 0; i-- {
		if action[i] == '.' {
			keys = append(keys, action[:i]+".*")
			break
		}
	}
	return append(keys, "*")
}

// Trust records that the peer may connect.
func (l *List) Trust(hash, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[hash]
	if !ok {
		e = &Entry{Hash: hash}
		l.entries[hash] = e
		l.order = append(l.order, hash)
	}
	e.Connect = true
	if name != "" {
		e.Name = name
	}
}

// Grant marks action always-allowed (or always-denied) for a peer, creating
// the entry if needed.
func (l *List) Grant(hash, action string, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[hash]
	if !ok {
		e = &Entry{Hash: hash}
		l.entries[hash] = e
		l.order = append(l.order, hash)
	}
	if e.Always == nil {
		e.Always = map[string]bool{}
	}
	e.Always[action] = allowed
}

// Revoke removes the entry for hash.
func (l *List) Revoke(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[hash]; !ok {
		return
	}
	delete(l.entries, hash)
	for i, h := range l.order {
		if h == hash {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *List) put(e *Entry) {
	if _, ok := l.entries[e.Hash]; !ok {
		l.order = append(l.order, e.Hash)
	}
	l.entries[e.Hash] = e
}
