package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yanolja/failover/utils/heap"
)

// New field costs: bool=1 intX=X/8 (e.g., int16=2) string=16 []byte=24 ptr=8
// key (16) + value (24) + expiry (8) + lastReadAt (8) + readCount (8) +
// Map/GC overhead (64) = 128
const entryOverhead = 128

const cleanupInterval = 5 * time.Minute

var errNoSpace = errors.New("failed to free enough space")

// If any fields are changed, update entryOverhead.
type entry struct {
	// E.g., "failover:report:latest"
	key string

	value []byte

	// Unix nanoseconds.
	expiry int64

	// Unix nanoseconds.
	lastReadAt int64

	// Starts from 1.
	readCount int64
}

type MemoryStore struct {
	// Key -> next allowed time (unix nanoseconds)
	gates   map[string]int64
	gatesMu sync.Mutex

	entries map[string]*entry

	// Least frequently used and oldest entries are at the top.
	evictionQueue *heap.Heap[*entry]
	entriesMu     sync.Mutex

	// If exceeding, the least frequently used and oldest entries are evicted.
	maxBytes int64
	usage    int64

	// Must use this to avoid flakiness in tests.
	clock clock.Clock
}

// NewMemoryStore returns the store and a function that stops its background
// cleanup.
func NewMemoryStore(maxBytes int64) (*MemoryStore, func()) {
	return newMemoryStoreWithClock(maxBytes, clock.New())
}

func newMemoryStoreWithClock(maxBytes int64, clk clock.Clock) (*MemoryStore, func()) {
	m := &MemoryStore{
		gates:    make(map[string]int64),
		entries:  make(map[string]*entry),
		maxBytes: maxBytes,
		clock:    clk,
	}
	m.evictionQueue = heap.New(func(a *entry, b *entry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	stop := m.startCleanup(cleanupInterval)
	return m, stop
}

func (m *MemoryStore) Allow(ctx context.Context, key string, interval time.Duration) (bool, time.Duration, error) {
	now := m.clock.Now().UnixNano()

	m.gatesMu.Lock()
	defer m.gatesMu.Unlock()

	if next, exists := m.gates[key]; exists && next > now {
		return false, time.Duration(next - now), nil
	}
	m.gates[key] = now + interval.Nanoseconds()
	return true, 0, nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.entriesMu.Lock()
	defer m.entriesMu.Unlock()

	if existing, exists := m.entries[key]; exists {
		m.delete(existing)
	}

	size := entrySize(key, value)
	if size > m.maxBytes {
		return fmt.Errorf("value of %d bytes exceeds the store limit of %d bytes", size, m.maxBytes)
	}
	if exceeding := m.usage + size - m.maxBytes; exceeding > 0 {
		if err := m.evict(exceeding); err != nil {
			return fmt.Errorf("failed to evict entries: %w", err)
		}
	}

	now := m.clock.Now().UnixNano()
	e := &entry{
		key:        key,
		value:      value,
		expiry:     now + ttl.Nanoseconds(),
		lastReadAt: now,
		readCount:  1,
	}
	m.entries[key] = e
	m.evictionQueue.Push(e)
	m.usage += size
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	m.entriesMu.Lock()
	defer m.entriesMu.Unlock()

	e, exists := m.entries[key]
	if !exists {
		return nil, nil
	}

	now := m.clock.Now().UnixNano()
	if e.expiry <= now {
		m.delete(e)
		return nil, nil
	}

	e.lastReadAt = now
	e.readCount++
	m.evictionQueue.Fix(e)
	return e.value, nil
}

// Usage returns the bytes accounted to stored entries.
func (m *MemoryStore) Usage() int64 {
	m.entriesMu.Lock()
	defer m.entriesMu.Unlock()
	return m.usage
}

func (m *MemoryStore) delete(e *entry) {
	delete(m.entries, e.key)
	m.evictionQueue.Remove(e)
	m.usage -= entrySize(e.key, e.value)
}

func (m *MemoryStore) evict(bytes int64) error {
	freed := int64(0)
	for freed < bytes {
		e, ok := m.evictionQueue.Pop()
		if !ok {
			return errNoSpace
		}
		freed += entrySize(e.key, e.value)
		delete(m.entries, e.key)
	}
	m.usage -= freed
	return nil
}

func entrySize(key string, value []byte) int64 {
	return entryOverhead + int64(len(key)+len(value))
}

func (m *MemoryStore) cleanup() {
	now := m.clock.Now().UnixNano()

	m.gatesMu.Lock()
	for key, next := range m.gates {
		if next <= now {
			delete(m.gates, key)
		}
	}
	m.gatesMu.Unlock()

	m.entriesMu.Lock()
	var expired []*entry
	for _, e := range m.entries {
		if e.expiry <= now {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		m.delete(e)
	}
	m.entriesMu.Unlock()
}

func (m *MemoryStore) startCleanup(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}
