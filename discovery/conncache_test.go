// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestConnCacheTTL(t *testing.T) {
	c := NewConnCache(filepath.Join(t.TempDir(), CacheFileName))

	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	if c.IsVerified("10.0.0.1") {
		t.Error("unknown host reads as verified")
	}
	if !c.NeedsRecheck("10.0.0.1") {
		t.Error("unknown host does not need a recheck")
	}

	c.UpdateStatus("10.0.0.1", true)

	if !c.IsVerified("10.0.0.1") {
		t.Error("fresh positive entry reads as unverified")
	}
	if c.NeedsRecheck("10.0.0.1") {
		t.Error("fresh entry flagged for recheck")
	}

	current = current.Add(299 * time.Second)

	if !c.IsVerified("10.0.0.1") {
		t.Error("entry expired before the five minute window")
	}

	current = current.Add(time.Second)

	if c.IsVerified("10.0.0.1") {
		t.Error("entry still verified at the five minute boundary")
	}
	if !c.NeedsRecheck("10.0.0.1") {
		t.Error("stale entry not flagged for recheck")
	}

	// a failed probe is remembered, the host is unreachable but fresh
	c.UpdateStatus("10.0.0.2", false)

	if c.IsVerified("10.0.0.2") {
		t.Error("failed probe reads as verified")
	}
	if c.NeedsRecheck("10.0.0.2") {
		t.Error("fresh negative entry flagged for recheck")
	}
}

func TestConnCacheSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), CacheFileName)

	fixed := time.Unix(1700000000, 0)

	c := NewConnCache(path)
	c.now = func() time.Time { return fixed }

	c.UpdateStatus("192.168.1.10", true)
	c.UpdateStatus("192.168.1.21", false)

	if err := c.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// wire format check: connections keyed by host, epoch second timestamps
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var wire struct {
		Connections map[string]struct {
			Verified  bool  `json:"verified"`
			Timestamp int64 `json:"timestamp"`
		} `json:"connections"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("cache file is not valid JSON: %v", err)
	}

	entry, ok := wire.Connections["192.168.1.10"]
	if !ok {
		t.Fatalf("control plane entry missing from %s", data)
	}
	if !entry.Verified || entry.Timestamp != fixed.Unix() {
		t.Errorf("entry = %+v, want verified at %d", entry, fixed.Unix())
	}

	reloaded := NewConnCache(path)
	reloaded.now = func() time.Time { return fixed }

	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !reloaded.IsVerified("192.168.1.10") {
		t.Error("verified entry lost across reload")
	}
	if reloaded.IsVerified("192.168.1.21") {
		t.Error("unverified entry became verified across reload")
	}

	if diff := cmp.Diff([]string{"192.168.1.10", "192.168.1.21"}, reloaded.Hosts()); diff != "" {
		t.Errorf("Hosts() mismatch (-want +got):\n%s", diff)
	}
}

func TestConnCacheLoadMissingFile(t *testing.T) {
	c := NewConnCache(filepath.Join(t.TempDir(), CacheFileName))

	if err := c.Load(); err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}

	if len(c.Hosts()) != 0 {
		t.Errorf("Hosts() = %v, want empty", c.Hosts())
	}
}

func TestVerifyConnectionUsesCache(t *testing.T) {
	c := NewConnCache(filepath.Join(t.TempDir(), CacheFileName))

	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	probes := 0
	probe := func(context.Context, string) bool {
		probes++
		return true
	}

	c.UpdateStatus("10.0.0.1", true)

	if !c.VerifyConnection(context.Background(), "10.0.0.1", probe) {
		t.Error("fresh verified host reported unreachable")
	}
	if probes != 0 {
		t.Errorf("fresh entry still probed %d times", probes)
	}

	current = current.Add(301 * time.Second)

	if !c.VerifyConnection(context.Background(), "10.0.0.1", probe) {
		t.Error("successful probe reported unreachable")
	}
	if probes != 1 {
		t.Errorf("stale entry probed %d times, want 1", probes)
	}
	if c.NeedsRecheck("10.0.0.1") {
		t.Error("entry not refreshed by probe")
	}

	down := func(context.Context, string) bool { return false }

	if c.VerifyConnection(context.Background(), "10.0.0.9", down) {
		t.Error("failed probe reported reachable")
	}
	if c.NeedsRecheck("10.0.0.9") {
		t.Error("negative result not cached")
	}
}

func TestEnqueueStale(t *testing.T) {
	c := NewConnCache(filepath.Join(t.TempDir(), CacheFileName))

	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	c.UpdateStatus("stale.example", true)

	current = current.Add(301 * time.Second)

	c.UpdateStatus("fresh.example", true)

	requests := make(chan string, probeQueueSize)
	c.enqueueStale(requests)

	select {
	case h := <-requests:
		if h != "stale.example" {
			t.Errorf("enqueued %q, want stale.example", h)
		}
	default:
		t.Fatal("stale host not enqueued")
	}

	select {
	case h := <-requests:
		t.Errorf("unexpected extra request for %q", h)
	default:
	}
}

func TestEnqueueStaleNeverBlocks(t *testing.T) {
	c := NewConnCache(filepath.Join(t.TempDir(), CacheFileName))

	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	c.UpdateStatus("a.example", true)
	c.UpdateStatus("b.example", true)

	current = current.Add(301 * time.Second)

	// room for one, the second request is dropped rather than blocking the
	// timer
	requests := make(chan string, 1)
	c.enqueueStale(requests)

	if len(requests) != 1 {
		t.Errorf("queued %d requests, want 1", len(requests))
	}
}

func TestCheckWorkerProcessesRequests(t *testing.T) {
	c := NewConnCache(filepath.Join(t.TempDir(), CacheFileName))

	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := func(context.Context, string) bool { return true }

	requests := make(chan string, 1)
	go c.checkWorker(ctx, requests, probe)

	requests <- "10.0.0.5"

	assert.Eventually(t, func() bool {
		return c.IsVerified("10.0.0.5")
	}, time.Second, 10*time.Millisecond, "worker never recorded the probe result")
}
