package statuscache

import (
	"sync"
	"time"
)

// ComplianceEntry is a possibly-stale projection of a user's compliance
// status. PendingInvalidation marks the value untrustworthy until the next
// strong read, regardless of age.
type ComplianceEntry struct {
	UserID              string
	Verified            bool
	PendingInvalidation bool
	AsOf                time.Time
}

// WalletEntry is a possibly-stale projection of a wallet's status.
type WalletEntry struct {
	WalletID string
	Status   string
	AsOf     time.Time
}

// Cache holds local projections of upstream state, fed by the event
// subscriber and by strong reads. Writes follow last-writer-wins on the
// entry's logical timestamp, never arrival order: an older or equal
// timestamp never overwrites.
type Cache struct {
	mu         sync.RWMutex
	compliance map[string]ComplianceEntry
	wallets    map[string]WalletEntry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		compliance: make(map[string]ComplianceEntry),
		wallets:    make(map[string]WalletEntry),
	}
}

// Compliance returns the cached entry for userID.
func (c *Cache) Compliance(userID string) (ComplianceEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.compliance[userID]
	return entry, ok
}

// PutCompliance applies entry if it is newer than the stored one, clearing
// any pending-invalidation marker. Reports whether the write applied.
func (c *Cache) PutCompliance(entry ComplianceEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.compliance[entry.UserID]
	if ok && !entry.AsOf.After(existing.AsOf) {
		return false
	}
	entry.PendingInvalidation = false
	c.compliance[entry.UserID] = entry
	return true
}

// MarkCompliancePending flags the user's cached status as awaiting a strong
// read. A marker older than the stored entry is ignored.
func (c *Cache) MarkCompliancePending(userID string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.compliance[userID]
	if ok && !at.After(existing.AsOf) {
		return false
	}
	if !ok {
		existing = ComplianceEntry{UserID: userID}
	}
	existing.PendingInvalidation = true
	existing.AsOf = at
	c.compliance[userID] = existing
	return true
}

// WalletStatus returns the cached entry for walletID.
func (c *Cache) WalletStatus(walletID string) (WalletEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.wallets[walletID]
	return entry, ok
}

// PutWalletStatus applies entry if it is newer than the stored one.
func (c *Cache) PutWalletStatus(entry WalletEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.wallets[entry.WalletID]
	if ok && !entry.AsOf.After(existing.AsOf) {
		return false
	}
	c.wallets[entry.WalletID] = entry
	return true
}
