// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// OpLog captures recent operator-facing log lines in a bounded ring so the
// status surfaces can replay them. It plugs into logrus as a hook; the hook
// never blocks the logging call site, entries are dropped (and counted) when
// the consumer lags.
type OpLog struct {
	ch chan string

	mu    sync.RWMutex
	ring  []string
	next  int
	count int

	dropped uint64
}

// NewOpLog returns a ring holding the last size lines, with an equally sized
// hand-off channel.
func NewOpLog(size int) *OpLog {
	if size <= 0 {
		size = 256
	}

	return &OpLog{
		ch:   make(chan string, size),
		ring: make([]string, size),
	}
}

// Levels implements logrus.Hook. Debug and trace chatter stays out of the
// operator log.
func (o *OpLog) Levels() []log.Level {
	return []log.Level{
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
		log.WarnLevel,
		log.InfoLevel,
	}
}

// Fire implements logrus.Hook.
func (o *OpLog) Fire(e *log.Entry) error {
	line := fmt.Sprintf("%s [%s] %s",
		e.Time.Format(time.RFC3339),
		strings.ToUpper(e.Level.String()),
		e.Message)

	select {
	case o.ch <- line:
	default:
		atomic.AddUint64(&o.dropped, 1)
	}

	return nil
}

// Run drains the hand-off channel into the ring until ctx is cancelled.
func (o *OpLog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-o.ch:
			o.append(line)
		}
	}
}

func (o *OpLog) append(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ring[o.next] = line
	o.next = (o.next + 1) % len(o.ring)
	if o.count < len(o.ring) {
		o.count++
	}
}

// Entries returns the retained lines, oldest first.
func (o *OpLog) Entries() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, 0, o.count)

	start := o.next - o.count
	if start < 0 {
		start += len(o.ring)
	}

	for i := 0; i < o.count; i++ {
		out = append(out, o.ring[(start+i)%len(o.ring)])
	}

	return out
}

// Dropped reports how many lines were discarded because the consumer lagged.
func (o *OpLog) Dropped() uint64 {
	return atomic.LoadUint64(&o.dropped)
}
