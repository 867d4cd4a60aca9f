// Package catalog serves the read-only channel catalog and the set-top-box-only
// exclusion list, both sourced from independent third party endpoints. Neither
// dataset is ever mutated here; entries are fetched, cached with a TTL, and
// handed to the playlist builder as-is.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tpbinge-proxy/work/client"
	"tpbinge-proxy/work/config"
	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/types"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/panjf2000/ants/v2"
)

const (
	channelsKey = "catalog:channels"
	skipIDsKey  = "catalog:stb_only"
)

// Catalog fetches and caches the channel list and skip list. Cache entries
// expire on the configured TTL, after which the next caller refetches; the
// background refresh loop keeps the cache warm so playlist requests rarely pay
// the upstream round trip.
type Catalog struct {
	config   *config.Config
	log      *logger.Logger
	http     *client.HeaderSettingClient
	cache    *ristretto.Cache[string, any]
	pool     *ants.Pool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the catalog service backed by the given worker pool.
func New(cfg *config.Config, log *logger.Logger, hsc *client.HeaderSettingClient, pool *ants.Pool) *Catalog {
	cache, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 100,
		MaxCost:     10 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &Catalog{
		config: cfg,
		log:    log,
		http:   hsc,
		cache:  cache,
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

// Channels returns the current channel catalog, from cache when warm.
func (c *Catalog) Channels() ([]types.ChannelInfo, error) {
	if cached, found := c.cache.Get(channelsKey); found {
		if channels, ok := cached.([]types.ChannelInfo); ok {
			return channels, nil
		}
	}
	return c.fetchChannels()
}

// SkipIDs returns the set-top-box-only channel ids. A fetch failure degrades to
// an empty list so the playlist never blocks on this secondary endpoint.
func (c *Catalog) SkipIDs() []string {
	if cached, found := c.cache.Get(skipIDsKey); found {
		if ids, ok := cached.([]string); ok {
			return ids
		}
	}

	ids, err := c.fetchSkipIDs()
	if err != nil {
		c.log.Warn("skip list unavailable, proceeding without it: %v", err)
		return nil
	}
	return ids
}

// Refresh warms both cache entries concurrently on the worker pool and waits
// for completion. Used by the background loop and at startup.
func (c *Catalog) Refresh() {
	var wg sync.WaitGroup

	wg.Add(1)
	if err := c.pool.Submit(func() {
		defer wg.Done()
		if _, err := c.fetchChannels(); err != nil {
			c.log.Warn("channel catalog refresh failed: %v", err)
		}
	}); err != nil {
		wg.Done()
	}

	wg.Add(1)
	if err := c.pool.Submit(func() {
		defer wg.Done()
		if _, err := c.fetchSkipIDs(); err != nil {
			c.log.Warn("skip list refresh failed: %v", err)
		}
	}); err != nil {
		wg.Done()
	}

	wg.Wait()
}

// StartRefreshLoop re-warms the catalog on the configured interval until Close.
func (c *Catalog) StartRefreshLoop() {
	go func() {
		ticker := time.NewTicker(c.config.CatalogRefreshRate)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Refresh()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close stops the refresh loop and releases the cache.
func (c *Catalog) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.cache.Close()
}

// fetchChannels pulls the catalog from the origin endpoint and caches it.
func (c *Catalog) fetchChannels() ([]types.ChannelInfo, error) {
	body, err := c.get(c.config.ChannelListAPI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel list: %w", err)
	}

	var parsed struct {
		Data struct {
			List []types.ChannelInfo `json:"list"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse channel list: %w", err)
	}

	channels := parsed.Data.List
	c.cache.SetWithTTL(channelsKey, channels, int64(len(body)), c.config.CatalogCacheDuration)

	c.log.Debug("channel catalog refreshed: %d entries", len(channels))
	return channels, nil
}

// fetchSkipIDs pulls the set-top-box-only list and caches it.
func (c *Catalog) fetchSkipIDs() ([]string, error) {
	body, err := c.get(c.config.STBOnlyAPI)
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		// a non-array body means no usable skip list
		return nil, fmt.Errorf("unexpected skip list shape: %w", err)
	}

	c.cache.SetWithTTL(skipIDsKey, ids, int64(len(body)), c.config.CatalogCacheDuration)
	return ids, nil
}

func (c *Catalog) get(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}
