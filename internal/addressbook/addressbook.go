// Package addressbook persists the component name to deployed address map
// between runs.
package addressbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Bidon15/popsigner/provisioner/internal/atomicfile"
)

// ErrInvalidAddress is returned when a persisted entry is not a hex address.
var ErrInvalidAddress = errors.New("addressbook: invalid address")

// Book maps component names to deployed addresses. It is safe for
// concurrent use.
type Book struct {
	mu      sync.RWMutex
	entries map[string]common.Address
}

// New returns an empty book.
func New() *Book {
	return &Book{entries: make(map[string]common.Address)}
}

// FromMap builds a book from hex strings.
func FromMap(m map[string]string) (*Book, error) {
	b := New()
	for name, hex := range m {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidAddress, name, hex)
		}
		b.entries[name] = common.HexToAddress(hex)
	}
	return b, nil
}

// Get returns the address recorded for name.
func (b *Book) Get(name string) (common.Address, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.entries[name]
	return addr, ok
}

// Set records addr under name and returns the previous address, if any.
func (b *Book) Set(name string, addr common.Address) (prev common.Address, replaced bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, replaced = b.entries[name]
	b.entries[name] = addr
	return prev, replaced
}

// Len returns the number of entries.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Names returns the recorded names in sorted order.
func (b *Book) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.entries))
	for name := range b.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the entries as checksummed hex strings.
func (b *Book) Map() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := make(map[string]string, len(b.entries))
	for name, addr := range b.entries {
		m[name] = addr.Hex()
	}
	return m
}

// Clone returns an independent copy.
func (b *Book) Clone() *Book {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := New()
	for name, addr := range b.entries {
		c.entries[name] = addr
	}
	return c
}

// MarshalJSON encodes the book as a flat JSON object with sorted keys.
func (b *Book) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Map())
}

// Load reads a book from path. A missing file yields an empty book.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read address book: %w", err)
	}
	if len(data) == 0 {
		return New(), nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode address book %s: %w", path, err)
	}
	return FromMap(m)
}

// Persist writes the book to path. Readers see either the previous document
// or the new one.
func Persist(path string, b *Book) error {
	data, err := json.MarshalIndent(b.Map(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode address book: %w", err)
	}
	data = append(data, '\n')
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return fmt.Errorf("persist address book: %w", err)
	}
	return nil
}
