// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// CacheFileName is where reachability state is persisted between runs.
	CacheFileName = "ssh_cache.json"

	// cacheValiditySeconds is how long a probe result stays fresh.
	cacheValiditySeconds = 300

	// recheckInterval is the cadence of the background pass that re-probes
	// stale hosts.
	recheckInterval = 30 * time.Second

	// probeQueueSize bounds the re-probe request queue. When the queue is
	// full further requests are dropped, the next timer pass picks the host
	// up again.
	probeQueueSize = 32
)

// Probe reports whether host currently answers an ssh echo.
type Probe func(ctx context.Context, host string) bool

// connStatus is the persisted per-host record, timestamped in epoch seconds.
type connStatus struct {
	Verified  bool  `json:"verified"`
	Timestamp int64 `json:"timestamp"`
}

type connCacheFile struct {
	Connections map[string]connStatus `json:"connections"`
}

// ConnCache remembers recent ssh reachability per host so repeated status
// queries do not hammer the nodes. An entry is trusted for five minutes;
// after that the host reads as unverified until a fresh probe lands. Stale
// entries are kept so the background checker keeps revisiting the host.
type ConnCache struct {
	mu          sync.RWMutex
	connections map[string]connStatus
	path        string
	now         func() time.Time
}

// NewConnCache returns an empty cache persisted at path.
func NewConnCache(path string) *ConnCache {
	return &ConnCache{
		connections: map[string]connStatus{},
		path:        path,
		now:         time.Now,
	}
}

// Load reads the cache file. A missing file is not an error, the cache just
// starts empty.
func (c *ConnCache) Load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("no ssh cache at %s, starting fresh", c.path)
			return nil
		}

		return errors.Wrapf(err, "failed to read ssh cache %s", c.path)
	}

	var file connCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Wrapf(err, "failed to parse ssh cache %s", c.path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.connections = file.Connections
	if c.connections == nil {
		c.connections = map[string]connStatus{}
	}

	log.Debugf("loaded ssh cache with %d entries", len(c.connections))

	return nil
}

// Save writes the cache file.
func (c *ConnCache) Save() error {
	c.mu.RLock()
	file := connCacheFile{Connections: make(map[string]connStatus, len(c.connections))}
	for h, s := range c.connections {
		file.Connections[h] = s
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal ssh cache")
	}

	if err := os.WriteFile(c.path, data, 0o644); err != nil { // skipcq: GSC-G302
		return errors.Wrapf(err, "failed to write ssh cache %s", c.path)
	}

	return nil
}

// IsVerified reports whether host has a fresh, positive probe result.
func (c *ConnCache) IsVerified(host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.connections[host]
	if !ok {
		return false
	}

	return s.Verified && c.now().Unix()-s.Timestamp < cacheValiditySeconds
}

// NeedsRecheck reports whether host has no entry or only a stale one.
func (c *ConnCache) NeedsRecheck(host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.connections[host]
	if !ok {
		return true
	}

	return c.now().Unix()-s.Timestamp >= cacheValiditySeconds
}

// UpdateStatus records a fresh probe result for host.
func (c *ConnCache) UpdateStatus(host string, verified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connections[host] = connStatus{
		Verified:  verified,
		Timestamp: c.now().Unix(),
	}
}

// Hosts returns every known host, sorted.
func (c *ConnCache) Hosts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hosts := make([]string, 0, len(c.connections))
	for h := range c.connections {
		hosts = append(hosts, h)
	}

	sort.Strings(hosts)

	return hosts
}

// VerifyConnection answers from the cache when the entry for host is still
// fresh, otherwise it probes, records the outcome and persists the cache.
func (c *ConnCache) VerifyConnection(ctx context.Context, host string, probe Probe) bool {
	if !c.NeedsRecheck(host) && c.IsVerified(host) {
		log.Debugf("using cached ssh status for %s", host)
		return true
	}

	ok := probe(ctx, host)
	c.UpdateStatus(host, ok)

	if err := c.Save(); err != nil {
		log.Warnf("failed to persist ssh cache: %v", err)
	}

	return ok
}

// StartChecker launches the background reachability loop: a worker that
// serves probe requests and a timer that enqueues every host whose entry
// went stale. Both stop when ctx is cancelled.
func (c *ConnCache) StartChecker(ctx context.Context, probe Probe) {
	requests := make(chan string, probeQueueSize)

	go c.checkWorker(ctx, requests, probe)
	go c.recheckTimer(ctx, requests)

	log.Debug("ssh connection checker started")
}

func (c *ConnCache) checkWorker(ctx context.Context, requests <-chan string, probe Probe) {
	for {
		select {
		case <-ctx.Done():
			return
		case host := <-requests:
			ok := probe(ctx, host)
			c.UpdateStatus(host, ok)

			if err := c.Save(); err != nil {
				log.Warnf("failed to persist ssh cache: %v", err)
			}

			log.Debugf("ssh recheck of %s: verified=%t", host, ok)
		}
	}
}

func (c *ConnCache) recheckTimer(ctx context.Context, requests chan<- string) {
	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.enqueueStale(requests)
		}
	}
}

// enqueueStale queues every host that needs a recheck without ever blocking
// the timer.
func (c *ConnCache) enqueueStale(requests chan<- string) {
	for _, host := range c.Hosts() {
		if !c.NeedsRecheck(host) {
			continue
		}

		select {
		case requests <- host:
		default:
			log.Debugf("recheck queue full, skipping %s", host)
		}
	}
}
