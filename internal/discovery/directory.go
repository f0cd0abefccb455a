package discovery

import (
	"sync"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/transport"
)

const unknownName = "Unknown Device"

// Record is a snapshot of a discovered peer.
type Record struct {
	Address   transport.Address
	Name      string
	Kind      transport.Kind
	Bond      transport.BondState
	RSSI      *int16
	FirstSeen time.Time
	LastSeen  time.Time
}

// DisplayName returns the reported name or "Unknown Device".
func (r Record) DisplayName() string {
	return DisplayName(r.Name)
}

// DisplayName applies the placeholder for peers that reported no name. Paired
// peers that never went through a scan use it too.
func DisplayName(name string) string {
	if name == "" {
		return unknownName
	}
	return name
}

func (r Record) clone() Record {
	if r.RSSI != nil {
		v := *r.RSSI
		r.RSSI = &v
	}
	return r
}

// Directory holds discovered peers keyed by address, in first-seen order. No
// two records share an address.
type Directory struct {
	mu     sync.RWMutex
	order  []transport.Address
	byAddr map[transport.Address]*Record
	now    func() time.Time
}

func NewDirectory() *Directory {
	return &Directory{
		byAddr: make(map[transport.Address]*Record),
		now:    time.Now,
	}
}

// Upsert inserts a record for a new address or refreshes the mutable fields of
// an existing one. It reports whether the address was new.
func (d *Directory) Upsert(s transport.Sighting) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if rec, exists := d.byAddr[s.Address]; exists {
		rec.Bond = s.Bond
		if s.RSSI != nil {
			v := *s.RSSI
			rec.RSSI = &v
		}
		if rec.Name == "" {
			rec.Name = s.Name
		}
		rec.LastSeen = now
		return rec.clone(), false
	}

	rec := Record{
		Address:   s.Address,
		Name:      s.Name,
		Kind:      s.Kind,
		Bond:      s.Bond,
		FirstSeen: now,
		LastSeen:  now,
	}
	if s.RSSI != nil {
		v := *s.RSSI
		rec.RSSI = &v
	}
	d.byAddr[s.Address] = &rec
	d.order = append(d.order, s.Address)
	return rec.clone(), true
}

func (d *Directory) Get(addr transport.Address) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.byAddr[addr]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns a copy of every record in insertion order.
func (d *Directory) List() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.order))
	for _, addr := range d.order {
		out = append(out, d.byAddr[addr].clone())
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = nil
	d.byAddr = make(map[transport.Address]*Record)
}
