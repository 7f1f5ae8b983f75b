package hw

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Translation errors.
var (
	ErrMapExists = errors.New("hw: translation range already mapped")
	ErrNotMapped = errors.New("hw: translation range not mapped")
)

// Domain is one translation table: a set of device-address to bus-address
// range mappings. The engine resolves addresses through whichever domain is
// currently attached to the TLB.
type Domain struct {
	mu   sync.Mutex
	maps map[uint64]mapping
}

type mapping struct {
	phys uint64
	size int
}

// NewDomain creates an empty translation domain.
func NewDomain() *Domain {
	return &Domain{maps: make(map[uint64]mapping)}
}

// Map installs a translation from iova to phys for size bytes.
func (d *Domain) Map(iova, phys uint64, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.maps[iova]; ok {
		return ErrMapExists
	}
	d.maps[iova] = mapping{phys: phys, size: size}
	return nil
}

// Unmap removes the translation installed at iova.
func (d *Domain) Unmap(iova uint64, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.maps[iova]
	if !ok || m.size != size {
		return ErrNotMapped
	}
	delete(d.maps, iova)
	return nil
}

// Mappings returns the number of installed translations.
func (d *Domain) Mappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.maps)
}

// TLB models the engine's address translation unit. Exactly one domain is
// attached at a time; attaching a domain reprograms the translation table
// and discards any cached entries from the previously attached one.
type TLB struct {
	mu       sync.Mutex
	attached *Domain
	attaches atomic.Int64
}

// NewTLB creates a translation unit with the given domain attached.
func NewTLB(live *Domain) *TLB {
	return &TLB{attached: live}
}

// Attach makes d the active translation domain.
func (t *TLB) Attach(d *Domain) {
	t.mu.Lock()
	t.attached = d
	t.mu.Unlock()
	t.attaches.Add(1)
}

// Detach removes d if it is the active domain, leaving no domain attached.
func (t *TLB) Detach(d *Domain) {
	t.mu.Lock()
	if t.attached == d {
		t.attached = nil
	}
	t.mu.Unlock()
}

// Attached returns the currently attached domain, or nil.
func (t *TLB) Attached() *Domain {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

// Attaches returns the number of Attach calls, used to observe the
// post-error purge sequence in tests.
func (t *TLB) Attaches() int64 { return t.attaches.Load() }
