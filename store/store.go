package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Role is the logical role of a partition. Every engine generation owns one
// partition per role.
type Role string

const (
	// RoleStatic holds the application shell: documents, scripts, styles and
	// other assets listed in the install manifest.
	RoleStatic Role = "static"
	// RoleDynamic holds navigations and binary assets cached as they are used.
	RoleDynamic Role = "dynamic"
	// RoleAPI holds upstream API responses served stale-while-revalidate.
	RoleAPI Role = "api"
)

// Roles lists every role a generation owns, in seeding order.
var Roles = []Role{RoleStatic, RoleDynamic, RoleAPI}

// Partition identifies one named, versioned collection of cache entries.
// Generations are compared as integers, never by matching substrings of the
// rendered name.
type Partition struct {
	Role       Role
	Generation int
}

// Name renders the physical partition name, e.g. "static-v24".
func (p Partition) Name() string {
	return fmt.Sprintf("%s-v%d", p.Role, p.Generation)
}

// ParseName maps a physical partition name back to its identity.
func ParseName(name string) (Partition, error) {
	role, gen, found := strings.Cut(name, "-v")
	if !found {
		return Partition{}, fmt.Errorf("malformed partition name: %s", name)
	}
	generation, err := strconv.Atoi(gen)
	if err != nil {
		return Partition{}, fmt.Errorf("malformed partition generation: %s", name)
	}
	return Partition{Role: Role(role), Generation: generation}, nil
}

// Entry is one cached response, keyed by its canonical target URL.
type Entry struct {
	Key    string
	Status int
	Header http.Header
	Body   []byte
	// CapturedAt is the time the response was fetched, the basis for all
	// freshness decisions.
	CapturedAt time.Time
	// Seq is a store-assigned insertion sequence number. Replacing an entry
	// assigns a fresh one, so eviction order follows last write, not first.
	Seq int64
}

// Age returns the entry age at the given instant.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

var (
	// ErrNotFound is returned when no entry exists under the requested key.
	ErrNotFound = errors.New("entry not found")
	// ErrNoPartition is returned for writes into a partition that was never
	// created (or was already retired).
	ErrNoPartition = errors.New("no such partition")
)

// Store persists cache entries grouped into named partitions.
//
// Implementations must be thread-safe! Multiple goroutines read and write
// concurrently: request handlers, the background reconciler and the eviction
// pass all share one store.
type Store interface {
	// Get returns the entry stored in p under key, or ErrNotFound.
	Get(ctx context.Context, p Partition, key string) (Entry, error)
	// Put stores e in p, replacing any previous entry under the same key.
	// The store assigns the Seq field. Writing to a partition that does not
	// exist returns ErrNoPartition.
	Put(ctx context.Context, p Partition, e Entry) error
	// PutAll stores every entry in one atomic batch: either all entries are
	// visible afterwards or none are.
	PutAll(ctx context.Context, p Partition, entries []Entry) error
	// Delete removes the entry under key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, p Partition, key string) error
	// Count returns the number of entries in p.
	Count(ctx context.Context, p Partition) (int, error)
	// Keys returns every key in p in insertion order.
	Keys(ctx context.Context, p Partition) ([]string, error)
	// OldestKeys returns up to n keys in insertion order, oldest first.
	OldestKeys(ctx context.Context, p Partition, n int) ([]string, error)
	// StaleKeys returns the keys of entries captured before the cutoff, in
	// insertion order.
	StaleKeys(ctx context.Context, p Partition, before time.Time) ([]string, error)
	// Partitions enumerates every partition present in the store.
	Partitions(ctx context.Context) ([]Partition, error)
	// CreatePartition makes p ready for writes. Creating an existing
	// partition is a no-op.
	CreatePartition(ctx context.Context, p Partition) error
	// DropPartition removes p and all of its entries in one atomic step.
	DropPartition(ctx context.Context, p Partition) error
	// Clear removes every entry in p but leaves the partition in place.
	Clear(ctx context.Context, p Partition) error
	Close() error
}
