package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chronosdb/chronos"
)

// MockStore is an in-memory Store for tests. It honors the Store contract
// (NotFound on missing Head/Get, content hashes on writes) and supports
// failure injection for outage scenarios.
type MockStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]mockObject

	// FailPuts, when non-nil, is returned by every PutJSON/PutRaw until cleared.
	FailPuts error
	// PutCount tallies successful writes.
	PutCount int
}

type mockObject struct {
	data        []byte
	contentType string
	modified    time.Time
	etag        string
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{buckets: map[string]map[string]mockObject{}}
}

// SetFailPuts toggles injected write failures.
func (m *MockStore) SetFailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailPuts = err
}

// Exists reports whether the key is present (test helper).
func (m *MockStore) Exists(bucket string, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket][key]
	return ok
}

func (m *MockStore) PutJSON(ctx context.Context, bucket string, key string, obj any) (PutResult, error) {
	ba, err := json.Marshal(obj)
	if err != nil {
		return PutResult{}, chronos.Errorf(chronos.ErrValidation, "marshaling %s/%s, details: %v", bucket, key, err)
	}
	return m.PutRaw(ctx, bucket, key, ba, "application/json")
}

func (m *MockStore) PutRaw(ctx context.Context, bucket string, key string, data []byte, contentType string) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts != nil {
		return PutResult{}, chronos.NewError(chronos.ErrStorage, m.FailPuts)
	}
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = map[string]mockObject{}
	}
	sum := sha256.Sum256(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.buckets[bucket][key] = mockObject{
		data:        cp,
		contentType: contentType,
		modified:    time.Now(),
		etag:        hex.EncodeToString(sum[:]),
	}
	m.PutCount++
	return PutResult{Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, nil
}

func (m *MockStore) Get(ctx context.Context, bucket string, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.buckets[bucket][key]
	if !ok {
		return nil, chronos.Errorf(chronos.ErrNotFound, "object %s/%s not found", bucket, key)
	}
	cp := make([]byte, len(o.data))
	copy(cp, o.data)
	return cp, nil
}

func (m *MockStore) Head(ctx context.Context, bucket string, key string) (HeadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.buckets[bucket][key]
	if !ok {
		return HeadInfo{}, chronos.Errorf(chronos.ErrNotFound, "object %s/%s not found", bucket, key)
	}
	return HeadInfo{
		ContentLength: int64(len(o.data)),
		ContentType:   o.contentType,
		LastModified:  o.modified,
		ETag:          o.etag,
	}, nil
}

func (m *MockStore) Delete(ctx context.Context, bucket string, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *MockStore) List(ctx context.Context, bucket string, prefix string, opts ListOptions) (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for k := range m.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if opts.ContinuationToken != "" {
		if n, err := strconv.Atoi(opts.ContinuationToken); err == nil {
			start = n
		}
	}
	if start > len(keys) {
		start = len(keys)
	}
	max := len(keys) - start
	if opts.MaxKeys > 0 && int(opts.MaxKeys) < max {
		max = int(opts.MaxKeys)
	}
	r := ListResult{Keys: keys[start : start+max]}
	if start+max < len(keys) {
		r.NextToken = strconv.Itoa(start + max)
	}
	return r, nil
}

func (m *MockStore) PresignGet(ctx context.Context, bucket string, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket][key]; !ok {
		return "", chronos.Errorf(chronos.ErrNotFound, "object %s/%s not found", bucket, key)
	}
	return fmt.Sprintf("https://mock/%s/%s?ttl=%d", bucket, key, int(ttl.Seconds())), nil
}

func (m *MockStore) Copy(ctx context.Context, srcBucket string, srcKey string, dstBucket string, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.buckets[srcBucket][srcKey]
	if !ok {
		return chronos.Errorf(chronos.ErrNotFound, "object %s/%s not found", srcBucket, srcKey)
	}
	if m.buckets[dstBucket] == nil {
		m.buckets[dstBucket] = map[string]mockObject{}
	}
	m.buckets[dstBucket][dstKey] = o
	return nil
}

// MockCache is an in-memory Cache for tests. Expiry is honored lazily on Get.
type MockCache struct {
	mu      sync.Mutex
	entries map[string]mockCacheEntry
	// Hits and Misses tally Get outcomes.
	Hits   int
	Misses int
}

type mockCacheEntry struct {
	value   []byte
	expires time.Time
}

// NewMockCache returns an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{entries: map[string]mockCacheEntry{}}
}

func (c *MockCache) Get(ctx context.Context, key string) (bool, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		delete(c.entries, key)
		c.Misses++
		return false, nil, nil
	}
	c.Hits++
	return true, e.value, nil
}

func (c *MockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.entries[key] = mockCacheEntry{value: cp, expires: exp}
	return nil
}

func (c *MockCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}
