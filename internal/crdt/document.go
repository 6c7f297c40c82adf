// Package crdt implements the replicated document shared by collaboration rooms.
//
// A Document is a last-writer-wins map of fields. Every write is an Entry identified by the
// writing client and a Lamport clock; concurrent writes to the same field resolve to the entry
// with the greater (clock, client) pair, so merging is commutative and idempotent.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	errEmptyClient = errors.New("crdt: client id required")
	errEmptyKey    = errors.New("crdt: field key required")
)

// Entry is one field write.
type Entry struct {
	Client  string
	Clock   uint64
	Key     string
	Value   []byte
	Deleted bool
}

func (e Entry) validate() error {
	if e.Client == "" {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, errEmptyClient)
	}
	if e.Key == "" {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, errEmptyKey)
	}
	if e.Clock == 0 {
		return fmt.Errorf("%w: zero clock", ErrMalformedUpdate)
	}
	return nil
}

// supersedes reports whether e wins over other for the same field.
func (e Entry) supersedes(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	if e.Client != other.Client {
		return e.Client > other.Client
	}
	if e.Deleted != other.Deleted {
		return e.Deleted
	}
	return bytes.Compare(e.Value, other.Value) > 0
}

func (e Entry) newerThan(version Version) bool {
	if e.Clock != version.Clock {
		return e.Clock > version.Clock
	}
	return e.Client > version.Client
}

// StateVector maps each client to the highest clock among the entries the document holds.
type StateVector map[string]uint64

func (v StateVector) clients() []string {
	clients := make([]string, 0, len(v))
	for client := range v {
		clients = append(clients, client)
	}
	sort.Strings(clients)
	return clients
}

// Version identifies the entry currently held for a field.
type Version struct {
	Clock  uint64
	Client string
}

// Digest maps each field to the version a peer holds. Unlike a StateVector it names every
// field, so a diff against it is exact whatever order the peer received its entries in.
type Digest map[string]Version

// Document is safe for concurrent use.
type Document struct {
	mu      sync.RWMutex
	fields  map[string]Entry
	lamport uint64
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{fields: make(map[string]Entry)}
}

// Apply merges a binary update. It reports whether any field changed.
func (d *Document) Apply(update []byte) (bool, error) {
	entries, err := DecodeUpdate(update)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := false
	for _, entry := range entries {
		if d.merge(entry) {
			changed = true
		}
	}
	return changed, nil
}

func (d *Document) merge(entry Entry) bool {
	if entry.Clock > d.lamport {
		d.lamport = entry.Clock
	}
	current, exists := d.fields[entry.Key]
	if exists && !entry.supersedes(current) {
		return false
	}
	entry.Value = append([]byte(nil), entry.Value...)
	d.fields[entry.Key] = entry
	return true
}

// Set records a local write by client and returns the update to broadcast.
func (d *Document) Set(client, key string, value []byte) ([]byte, error) {
	return d.write(client, key, value, false)
}

// Delete records a local tombstone by client and returns the update to broadcast.
func (d *Document) Delete(client, key string) ([]byte, error) {
	return d.write(client, key, nil, true)
}

func (d *Document) write(client, key string, value []byte, deleted bool) ([]byte, error) {
	if client == "" {
		return nil, errEmptyClient
	}
	if key == "" {
		return nil, errEmptyKey
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := Entry{
		Client:  client,
		Clock:   d.lamport + 1,
		Key:     key,
		Value:   append([]byte(nil), value...),
		Deleted: deleted,
	}
	d.merge(entry)
	return EncodeUpdate([]Entry{entry}), nil
}

// Get returns the live value of a field.
func (d *Document) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.fields[key]
	if !ok || entry.Deleted {
		return nil, false
	}
	return append([]byte(nil), entry.Value...), true
}

// Fields returns a copy of every live field.
func (d *Document) Fields() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make(map[string][]byte, len(d.fields))
	for key, entry := range d.fields {
		if entry.Deleted {
			continue
		}
		result[key] = append([]byte(nil), entry.Value...)
	}
	return result
}

// EncodeStateAsUpdate returns the whole document as a single update. Output is deterministic.
func (d *Document) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return EncodeUpdate(d.sortedEntries(nil))
}

// EncodeDiff returns the entries that would change a peer holding the encoded digest: fields
// the peer lacks and fields where the held entry wins over the peer's version. An empty digest
// yields the full state.
func (d *Document) EncodeDiff(encodedDigest []byte) ([]byte, error) {
	digest, err := DecodeDigest(encodedDigest)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return EncodeUpdate(d.sortedEntries(func(entry Entry) bool {
		held, ok := digest[entry.Key]
		return !ok || entry.newerThan(held)
	})), nil
}

// Digest returns the encoded per-field version summary.
func (d *Document) Digest() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	digest := make(Digest, len(d.fields))
	for key, entry := range d.fields {
		digest[key] = Version{Clock: entry.Clock, Client: entry.Client}
	}
	return EncodeDigest(digest)
}

// StateVector returns the encoded per-client clock summary. It is derived from the held
// entries, so a document rebuilt from EncodeStateAsUpdate reports the same vector.
func (d *Document) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vector := StateVector{}
	for _, entry := range d.fields {
		if entry.Clock > vector[entry.Client] {
			vector[entry.Client] = entry.Clock
		}
	}
	return EncodeStateVector(vector)
}

// Len returns the number of tracked fields, tombstones included.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.fields)
}

func (d *Document) sortedEntries(include func(Entry) bool) []Entry {
	keys := make([]string, 0, len(d.fields))
	for key, entry := range d.fields {
		if include != nil && !include(entry) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, d.fields[key])
	}
	return entries
}
