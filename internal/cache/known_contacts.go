package cache

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// KnownContacts remembers, per tenant, which contact numbers were already stored, using a
// bloom filter per tenant. A hit means "maybe stored"; a miss means "definitely not seen".
type KnownContacts struct {
	mu       sync.RWMutex
	filters  map[string]*bloom.BloomFilter
	expected uint
	fpRate   float64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewKnownContacts sizes each tenant's filter for expected numbers at the given false positive rate.
func NewKnownContacts(expected uint, fpRate float64) *KnownContacts {
	if expected == 0 {
		expected = 10000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	return &KnownContacts{filters: make(map[string]*bloom.BloomFilter), expected: expected, fpRate: fpRate}
}

// MaybeKnown reports whether number may already be stored for the tenant.
func (k *KnownContacts) MaybeKnown(tenantID, number string) bool {
	k.mu.RLock()
	f := k.filters[tenantID]
	known := f != nil && f.TestString(number)
	k.mu.RUnlock()

	if known {
		k.hits.Add(1)
	} else {
		k.misses.Add(1)
	}
	return known
}

// MarkKnown records number as stored for the tenant.
func (k *KnownContacts) MarkKnown(tenantID string, numbers ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f := k.filters[tenantID]
	if f == nil {
		f = bloom.NewWithEstimates(k.expected, k.fpRate)
		k.filters[tenantID] = f
	}
	for _, n := range numbers {
		f.AddString(n)
	}
}

// Reset forgets a tenant's numbers, e.g. after its data was wiped.
func (k *KnownContacts) Reset(tenantID string) {
	k.mu.Lock()
	delete(k.filters, tenantID)
	k.mu.Unlock()
}

// KnownContactsStats is a snapshot of lookup counters.
type KnownContactsStats struct {
	Hits    int64
	Misses  int64
	Tenants int
}

// Stats returns lookup counters.
func (k *KnownContacts) Stats() KnownContactsStats {
	k.mu.RLock()
	n := len(k.filters)
	k.mu.RUnlock()
	return KnownContactsStats{Hits: k.hits.Load(), Misses: k.misses.Load(), Tenants: n}
}
