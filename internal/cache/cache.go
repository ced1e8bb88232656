// Package cache remembers what was last synchronized for each remote object so
// unchanged occurrences cost no remote calls.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"time"

	"orgcal/internal/models"
)

// fingerprintVersion is mixed into every hash; bumping it forces a full re-sync.
const fingerprintVersion = "v1"

// Fingerprint hashes every field of occ that affects the remote representation.
// The identifier, entry id and source location are deliberately left out.
func Fingerprint(occ models.Occurrence) string {
	h := sha256.New()
	writeField(h, fingerprintVersion)
	writeField(h, formatTime(occ.Start))
	writeField(h, formatTime(occ.End))
	writeField(h, zoneName(occ.Start))
	writeField(h, strconv.FormatBool(occ.AllDay))
	writeField(h, occ.Title)
	writeField(h, occ.Description)
	writeField(h, occ.Recurrence)

	cats := append([]string(nil), occ.Categories...)
	sort.Strings(cats)
	writeField(h, strconv.Itoa(len(cats)))
	for _, c := range cats {
		writeField(h, c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes s so adjacent fields cannot run into each other.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func zoneName(t time.Time) string {
	if t.Location() == nil {
		return ""
	}
	return t.Location().String()
}

// Record is what the cache knows about one remote object.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Remote      bool      `json:"remote"`
	SyncedAt    time.Time `json:"synced_at"`
}

// Cache maps identifiers to records. It is not safe for concurrent use; the
// executor serializes mutations.
type Cache struct {
	records map[string]Record
	now     func() time.Time
}

// New creates a cache holding records.
func New(records map[string]Record) *Cache {
	if records == nil {
		records = make(map[string]Record)
	}
	return &Cache{records: records, now: time.Now}
}

// Lookup returns the record for id.
func (c *Cache) Lookup(id string) (Record, bool) {
	r, ok := c.records[id]
	return r, ok
}

// Commit stores fp for id after a confirmed create or update.
func (c *Cache) Commit(id, fp string) {
	c.records[id] = Record{Fingerprint: fp, Remote: true, SyncedAt: c.now().UTC()}
}

// Erase forgets id after a confirmed delete.
func (c *Cache) Erase(id string) {
	delete(c.records, id)
}

// IDs returns all cached identifiers in sorted order.
func (c *Cache) IDs() []string {
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of records.
func (c *Cache) Len() int {
	return len(c.records)
}

// Records returns a copy of all records, for persistence.
func (c *Cache) Records() map[string]Record {
	out := make(map[string]Record, len(c.records))
	for id, r := range c.records {
		out[id] = r
	}
	return out
}
