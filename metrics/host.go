// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package metrics

import (
	"github.com/mackerelio/go-osstat/loadavg"
	"github.com/mackerelio/go-osstat/memory"
	log "github.com/sirupsen/logrus"
)

// HostMetrics describes the orchestration host itself: how loaded the
// machine running the pipelines is.
type HostMetrics struct {
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	Load1       float64 `json:"load_1"`
	Load5       float64 `json:"load_5"`
	Load15      float64 `json:"load_15"`
}

// CollectHost samples local memory and load figures. Unavailable readings
// stay zero, the sample never fails.
func CollectHost() *HostMetrics {
	m := &HostMetrics{}

	if mem, err := memory.Get(); err == nil {
		m.MemoryTotal = mem.Total
		m.MemoryUsed = mem.Used
	} else {
		log.Debugf("memory stats unavailable: %v", err)
	}

	if la, err := loadavg.Get(); err == nil {
		m.Load1 = la.Loadavg1
		m.Load5 = la.Loadavg5
		m.Load15 = la.Loadavg15
	} else {
		log.Debugf("load average unavailable: %v", err)
	}

	return m
}
