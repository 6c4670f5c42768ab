// Package idem deduplicates externally-retried requests by idempotency key.
//
// A request is identified by (key, member, endpoint) plus a SHA-256 hash of
// its body. A repeat with the same key and body returns the stored response
// without re-executing side effects; the same key with a different body is
// rejected. Records live in the store (Redis-backed in production, with a
// ~24h TTL) behind a small in-process LRU hot tier.
package idem

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/outcomex/trading-engine/internal/lock"
	"github.com/outcomex/trading-engine/internal/model"
	"github.com/outcomex/trading-engine/internal/store"
)

var (
	// ErrKeyReused is returned when a key is replayed with a different
	// request body.
	ErrKeyReused = errors.New("idem: idempotency key reused with different request")
)

// DefaultTTL is how long completed responses stay replayable.
const DefaultTTL = 24 * time.Hour

// Recorder is the subset of the store the deduper needs.
type Recorder interface {
	GetIdempotency(ctx context.Context, key, memberID, endpoint string) (*model.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error
}

// Deduper is the two-tier idempotency checker: an in-process LRU in front
// of the store. The LRU only caches records, never replaces the store — a
// restart falls back to the cold path.
type Deduper struct {
	recorder Recorder
	ttl      time.Duration

	// inflight serializes Execute per composite key, so a retry that
	// overlaps the original waits for it and replays the stored response
	// instead of running the operation a second time.
	inflight *lock.Keyed

	mu    sync.Mutex
	cap   int
	cache map[string]*list.Element
	lru   *list.List
}

type lruEntry struct {
	key string
	rec *model.IdempotencyRecord
}

// NewDeduper creates a deduper over the given recorder with an LRU of the
// given capacity.
func NewDeduper(recorder Recorder, capacity int) *Deduper {
	return &Deduper{
		recorder: recorder,
		ttl:      DefaultTTL,
		inflight: lock.NewKeyed(),
		cap:      capacity,
		cache:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
	}
}

// HashRequest returns the canonical hash of a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Execute runs fn at most once for (key, member, endpoint, body).
//
// On a replay with a matching body the stored response is returned and fn
// never runs. On a replay with a different body ErrKeyReused is returned.
// fn's response is only stored when fn succeeds, so a failed operation may
// be retried with the same key.
//
// Calls sharing a key serialize: a retry that overlaps the original blocks
// until it completes, then replays its response.
func (d *Deduper) Execute(ctx context.Context, key, memberID, endpoint string, body []byte, fn func() ([]byte, error)) ([]byte, bool, error) {
	if key == "" {
		resp, err := fn()
		return resp, false, err
	}

	release := d.inflight.Acquire(key + "|" + memberID + "|" + endpoint)
	defer release()

	hash := HashRequest(body)

	if rec := d.lookup(ctx, key, memberID, endpoint); rec != nil {
		if rec.RequestHash != hash {
			return nil, false, ErrKeyReused
		}
		return rec.Response, true, nil
	}

	resp, err := fn()
	if err != nil {
		return nil, false, err
	}

	rec := &model.IdempotencyRecord{
		Key:         key,
		MemberID:    memberID,
		Endpoint:    endpoint,
		RequestHash: hash,
		Response:    resp,
		ExpiresAt:   time.Now().Add(d.ttl),
	}
	if err := d.recorder.PutIdempotency(ctx, rec); err != nil {
		// The operation already committed; surfacing a store error here
		// would make the caller retry a completed mutation. Cache locally
		// and return the response.
		d.remember(rec)
		return resp, false, nil
	}
	d.remember(rec)
	return resp, false, nil
}

func (d *Deduper) lookup(ctx context.Context, key, memberID, endpoint string) *model.IdempotencyRecord {
	composite := key + "|" + memberID + "|" + endpoint

	d.mu.Lock()
	if elem, ok := d.cache[composite]; ok {
		entry := elem.Value.(*lruEntry)
		if time.Now().Before(entry.rec.ExpiresAt) {
			d.lru.MoveToFront(elem)
			rec := entry.rec
			d.mu.Unlock()
			return rec
		}
		d.lru.Remove(elem)
		delete(d.cache, composite)
	}
	d.mu.Unlock()

	rec, err := d.recorder.GetIdempotency(ctx, key, memberID, endpoint)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// Conservative: a store failure must not block the request.
			return nil
		}
		return nil
	}
	d.remember(rec)
	return rec
}

func (d *Deduper) remember(rec *model.IdempotencyRecord) {
	composite := rec.Key + "|" + rec.MemberID + "|" + rec.Endpoint

	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.cache[composite]; ok {
		elem.Value.(*lruEntry).rec = rec
		d.lru.MoveToFront(elem)
		return
	}
	elem := d.lru.PushFront(&lruEntry{key: composite, rec: rec})
	d.cache[composite] = elem

	if d.lru.Len() > d.cap {
		oldest := d.lru.Back()
		if oldest != nil {
			d.lru.Remove(oldest)
			delete(d.cache, oldest.Value.(*lruEntry).key)
		}
	}
}
