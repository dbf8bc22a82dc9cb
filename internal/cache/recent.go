package cache

import (
	"sort"
	"sync"

	"github.com/oicur0t/sqlaudit/pkg/models"
)

// DefaultCapacity is used when a non-positive capacity is requested
const DefaultCapacity = 200

// Recent keeps the most recently ingested records, newest first.
// Readers always get a copy.
type Recent struct {
	mu       sync.Mutex
	capacity int
	records  []models.LogRecord // index 0 is the newest
}

// NewRecent creates a cache holding at most capacity records
func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recent{
		capacity: capacity,
		records:  make([]models.LogRecord, 0, capacity),
	}
}

// Add inserts records at the front, newest first, and trims the oldest
// entries beyond capacity.
func (c *Recent) Add(records []models.LogRecord) {
	if len(records) == 0 {
		return
	}

	incoming := make([]models.LogRecord, len(records))
	copy(incoming, records)
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].TimeGenerated.After(incoming[j].TimeGenerated)
	})
	if len(incoming) > c.capacity {
		incoming = incoming[:c.capacity]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keep := c.capacity - len(incoming)
	if keep > len(c.records) {
		keep = len(c.records)
	}

	merged := make([]models.LogRecord, 0, c.capacity)
	merged = append(merged, incoming...)
	merged = append(merged, c.records[:keep]...)
	c.records = merged
}

// Snapshot returns up to max records, newest first. max <= 0 returns all.
func (c *Recent) Snapshot(max int) []models.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.records)
	if max > 0 && max < n {
		n = max
	}

	out := make([]models.LogRecord, n)
	copy(out, c.records[:n])
	return out
}

// Len returns the number of cached records
func (c *Recent) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Capacity returns the configured bound
func (c *Recent) Capacity() int {
	return c.capacity
}

// Clear drops every cached record
func (c *Recent) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make([]models.LogRecord, 0, c.capacity)
}
