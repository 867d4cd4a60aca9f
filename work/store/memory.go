package store

import (
	"fmt"
	"time"

	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/metrics"
	"tpbinge-proxy/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore keeps sessions and cached URLs in process memory. Both record
// families live in xsync maps whose Compute callbacks serialize all mutation of
// one key without any store-wide lock, which is exactly the concurrency contract
// the Store interface demands.
//
// The store owns its hourly sweeper: StartSweeper launches the ticker goroutine
// and Close tears it down.
type MemoryStore struct {
	sessions *xsync.MapOf[string, *types.Session]
	urls     *xsync.MapOf[string, *types.CachedURL]
	log      *logger.Logger
	stopCh   chan struct{}
}

// NewMemoryStore creates an empty in-memory credential store. The sweeper is not
// started until StartSweeper is called, so tests can drive SweepExpired directly.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		sessions: xsync.NewMapOf[string, *types.Session](),
		urls:     xsync.NewMapOf[string, *types.CachedURL](),
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// StartSweeper runs SweepExpired on the given interval until Close is called.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := m.SweepExpired(); n > 0 {
					m.log.Info("swept %d expired session(s)", n)
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// CreateSession inserts the session, failing if the device already has one.
func (m *MemoryStore) CreateSession(s *types.Session) (*types.Session, error) {
	record := *s
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	if _, loaded := m.sessions.LoadOrStore(s.DeviceID, &record); loaded {
		return nil, fmt.Errorf("session already exists for device %s", s.DeviceID)
	}
	metrics.ActiveSessions.Inc()
	return &record, nil
}

// GetSession returns the session for the device, lazily evicting it when its
// expiry has passed. A second call after eviction simply reports absence again.
func (m *MemoryStore) GetSession(deviceID string) (*types.Session, bool) {
	s, ok := m.sessions.Load(deviceID)
	if !ok {
		return nil, false
	}
	if s.Expired(time.Now()) {
		if _, existed := m.sessions.LoadAndDelete(deviceID); existed {
			metrics.ActiveSessions.Dec()
		}
		return nil, false
	}
	return s, true
}

// UpdateSession merges the update into the existing session under the per-key
// lock of Compute, so concurrent merges for one device never interleave.
func (m *MemoryStore) UpdateSession(deviceID string, upd SessionUpdate) (*types.Session, bool) {
	updated, ok := m.sessions.Compute(deviceID, func(old *types.Session, loaded bool) (*types.Session, bool) {
		if !loaded {
			// nothing to merge into; delete sentinel keeps the key absent
			return nil, true
		}
		return upd.apply(old), false
	})
	if !ok {
		return nil, false
	}
	return updated, true
}

// DeleteSession removes the session, reporting whether one existed.
func (m *MemoryStore) DeleteSession(deviceID string) bool {
	_, existed := m.sessions.LoadAndDelete(deviceID)
	if existed {
		metrics.ActiveSessions.Dec()
	}
	return existed
}

// GetCachedURL returns the cached manifest URL for the channel. Entries are never
// evicted here; the resolver decides reuse from the expiry embedded in the URL.
func (m *MemoryStore) GetCachedURL(channelID string) (*types.CachedURL, bool) {
	return m.urls.Load(channelID)
}

// SetCachedURL upserts the cached URL for the channel and stamps the write time.
func (m *MemoryStore) SetCachedURL(channelID, url string) *types.CachedURL {
	entry := &types.CachedURL{
		ChannelID: channelID,
		URL:       url,
		UpdatedAt: time.Now(),
	}
	m.urls.Store(channelID, entry)
	return entry
}

// SweepExpired walks the session map and drops every record past its expiry.
// Range holds no global lock, so concurrent reads and writes proceed while the
// sweep enumerates.
func (m *MemoryStore) SweepExpired() int {
	now := time.Now()
	removed := 0

	m.sessions.Range(func(deviceID string, s *types.Session) bool {
		if s.Expired(now) {
			if _, existed := m.sessions.LoadAndDelete(deviceID); existed {
				metrics.ActiveSessions.Dec()
				removed++
			}
		}
		return true
	})

	return removed
}

// Close stops the sweeper goroutine.
func (m *MemoryStore) Close() error {
	select {
	case <-m.stopCh:
		// already closed
	default:
		close(m.stopCh)
	}
	return nil
}
