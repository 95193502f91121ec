// Package directory maps server names to the endpoints they are published at,
// so clients can connect by name instead of host and port.
package directory

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a name has no live registration.
	ErrNotFound = errors.New("directory: name not found")
	// ErrClosed is returned by a directory after Close.
	ErrClosed = errors.New("directory: closed")
)

// Entry is one registration.
type Entry struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Node      string    `json:"node,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Addr returns host:port.
func (e Entry) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Directory stores name registrations. A registration with a positive ttl
// disappears unless it is renewed in time.
type Directory interface {
	Register(ctx context.Context, name string, e Entry, ttl time.Duration) error
	Lookup(ctx context.Context, name string) (Entry, error)
	Deregister(ctx context.Context, name string) error
	Names(ctx context.Context) ([]string, error)
	Close() error
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n*?[]") {
		return errors.New("directory: invalid name " + strconv.Quote(name))
	}
	return nil
}

var _ Directory = (*MemoryDirectory)(nil)

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
	now     func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryDirectory creates an empty in-process directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (d *MemoryDirectory) Register(ctx context.Context, name string, e Entry, ttl time.Duration) error {
	if err := validName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	now := d.now()
	e.UpdatedAt = now
	me := memoryEntry{entry: e}
	if ttl > 0 {
		me.expiresAt = now.Add(ttl)
	}
	d.entries[name] = me
	return nil
}

func (d *MemoryDirectory) Lookup(ctx context.Context, name string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Entry{}, ErrClosed
	}
	me, ok := d.entries[name]
	if !ok || d.expired(me) {
		return Entry{}, ErrNotFound
	}
	return me.entry, nil
}

func (d *MemoryDirectory) Deregister(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	delete(d.entries, name)
	return nil
}

func (d *MemoryDirectory) Names(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(d.entries))
	for name, me := range d.entries {
		if !d.expired(me) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (d *MemoryDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.entries = nil
	return nil
}

func (d *MemoryDirectory) expired(me memoryEntry) bool {
	return !me.expiresAt.IsZero() && !d.now().Before(me.expiresAt)
}
