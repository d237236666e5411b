// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/exp/slices"

	"github.com/certfleet/certfleet/cert"
	"github.com/certfleet/certfleet/discovery"
	"github.com/certfleet/certfleet/metrics"
)

// CertificateDetail is the dashboard rendering of one ledger record.
type CertificateDetail struct {
	Name     string   `json:"name"`
	Expires  string   `json:"expires"`
	Status   string   `json:"status"`
	CertType string   `json:"cert_type"`
	Issuer   string   `json:"issuer"`
	Nodes    []string `json:"nodes"`
}

// ComponentMetrics carries per-component load figures. Fields stay absent
// when a component has nothing to report.
type ComponentMetrics struct {
	CPUUsage       string `json:"cpu_usage,omitempty"`
	MemoryUsage    string `json:"memory_usage,omitempty"`
	RequestLatency string `json:"request_latency,omitempty"`
	RequestRate    string `json:"request_rate,omitempty"`
	DBSize         string `json:"db_size,omitempty"`
}

// ComponentInfo describes one control plane component.
type ComponentInfo struct {
	Version   string           `json:"version"`
	Status    string           `json:"status"`
	Uptime    string           `json:"uptime"`
	ExtraInfo string           `json:"extra_info,omitempty"`
	Metrics   ComponentMetrics `json:"metrics"`
}

// HostInfo is a sample of the orchestration host itself.
type HostInfo struct {
	MemoryTotal string  `json:"memory_total"`
	MemoryUsed  string  `json:"memory_used"`
	Load1       float64 `json:"load_1"`
	Load5       float64 `json:"load_5"`
	Load15      float64 `json:"load_15"`
}

// ControlPlaneInfo is the /api/control-plane body.
type ControlPlaneInfo struct {
	APIServer    ComponentInfo       `json:"api_server"`
	Etcd         ComponentInfo       `json:"etcd"`
	Scheduler    ComponentInfo       `json:"scheduler"`
	Host         *HostInfo           `json:"host,omitempty"`
	Certificates []CertificateDetail `json:"certificates"`
}

// NodeMetrics carries the per-node utilization figures shown on the
// dashboard.
type NodeMetrics struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
	Disk   string `json:"disk"`
}

// WorkerNodeInfo is one element of the /api/worker-nodes body. TrustValid
// is only present once the trust store has validated the node.
type WorkerNodeInfo struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	IP           string              `json:"ip"`
	Status       string              `json:"status"`
	TrustValid   *bool               `json:"trust_chain_valid,omitempty"`
	Metrics      NodeMetrics         `json:"metrics"`
	Certificates []CertificateDetail `json:"certificates"`
}

// CertStatus is the distribution state of one artifact on one node.
type CertStatus struct {
	CertType    string `json:"cert_type"`
	Status      string `json:"status"`
	LastUpdated string `json:"last_updated"`
}

// NodeInfo pairs a node with the artifacts tracked for it.
type NodeInfo struct {
	IP    string       `json:"ip"`
	Certs []CertStatus `json:"certs"`
}

// ConnectivityStatus summarizes the reachability cache.
type ConnectivityStatus struct {
	UnreachableNodes []string `json:"unreachable_nodes"`
	LastChecked      string   `json:"last_checked"`
	TotalNodes       int      `json:"total_nodes"`
	AvailableNodes   int      `json:"available_nodes"`
}

// ClusterInfo is the /api/cluster body.
type ClusterInfo struct {
	ControlPlane NodeInfo           `json:"control_plane"`
	Workers      []NodeInfo         `json:"workers"`
	Connectivity ConnectivityStatus `json:"connectivity"`
}

// TrustValidationResponse is the /api/trust-validate body.
type TrustValidationResponse struct {
	Nodes map[string]discovery.NodeTrustInfo `json:"nodes"`
}

type debugRecord struct {
	CertType    string        `json:"cert_type"`
	Hosts       []string      `json:"hosts"`
	Distributed bool          `json:"distributed"`
	Generated   cert.UnixTime `json:"generated"`
}

type debugInfo struct {
	TotalCertificates int           `json:"total_certificates"`
	Certificates      []debugRecord `json:"certificates"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleCluster(w http.ResponseWriter, _ *http.Request) {
	cfg := s.mgr.Config()
	records := s.mgr.Ledger()

	allNodes := cfg.Hosts()

	var unreachable []string
	for _, node := range allNodes {
		if !s.isReachable(node) {
			unreachable = append(unreachable, node)
		}
	}

	workers := make([]NodeInfo, 0, len(cfg.WorkerNodes))
	for _, ip := range cfg.WorkerNodes {
		workers = append(workers, NodeInfo{IP: ip, Certs: nodeCertStatuses(records, ip)})
	}

	writeData(w, ClusterInfo{
		ControlPlane: NodeInfo{
			IP:    cfg.ControlPlane,
			Certs: nodeCertStatuses(records, cfg.ControlPlane),
		},
		Workers: workers,
		Connectivity: ConnectivityStatus{
			UnreachableNodes: unreachable,
			LastChecked:      time.Now().UTC().Format(time.RFC3339),
			TotalNodes:       len(allNodes),
			AvailableNodes:   len(allNodes) - len(unreachable),
		},
	})
}

func (s *Server) handleControlPlane(w http.ResponseWriter, r *http.Request) {
	cfg := s.mgr.Config()
	records := s.mgr.Ledger()

	var cpm *metrics.ControlPlaneMetrics
	if s.collector != nil {
		cpm = s.collector.Collect(r.Context())
	}

	etcdDBSize := "Unknown"
	if cpm != nil && cpm.Etcd != nil && cpm.Etcd.DBSize != "" {
		etcdDBSize = cpm.Etcd.DBSize
	}

	var certs []CertificateDetail
	for _, rec := range records {
		if !slices.Contains(rec.Hosts, cfg.ControlPlane) {
			continue
		}
		certs = append(certs, CertificateDetail{
			Name:     rec.Type,
			Expires:  expiresAt(rec),
			Status:   distributionStatus(rec, "Valid", "Pending"),
			CertType: "Server",
			Issuer:   "Kubernetes CA",
			Nodes:    rec.Hosts,
		})
	}

	writeData(w, ControlPlaneInfo{
		APIServer: ComponentInfo{
			Version: "v1.26.1",
			Status:  "Healthy",
			Uptime:  "15d 4h 23m",
			Metrics: componentMetrics(""),
		},
		Etcd: ComponentInfo{
			Version:   "3.5.6",
			Status:    "Healthy",
			Uptime:    "15d 4h 23m",
			ExtraInfo: etcdDBSize,
			Metrics:   componentMetrics(etcdDBSize),
		},
		Scheduler: ComponentInfo{
			Version: "v1.26.1",
			Status:  "Healthy",
			Uptime:  "15d 4h 23m",
			Metrics: componentMetrics(""),
		},
		Host:         hostInfo(),
		Certificates: certs,
	})
}

func (s *Server) handleWorkerNodes(w http.ResponseWriter, _ *http.Request) {
	cfg := s.mgr.Config()
	records := s.mgr.Ledger()

	workers := make([]WorkerNodeInfo, 0, len(cfg.WorkerNodes))

	for i, ip := range cfg.WorkerNodes {
		var certs []CertificateDetail
		for _, rec := range records {
			if !slices.Contains(rec.Hosts, ip) {
				continue
			}
			certs = append(certs, CertificateDetail{
				Name:     rec.Type,
				Expires:  expiresAt(rec),
				Status:   distributionStatus(rec, "Valid", "Pending"),
				CertType: "Client",
				Issuer:   "Kubernetes CA",
				Nodes:    rec.Hosts,
			})
		}

		status := "Ready"
		if !s.isReachable(ip) {
			status = "NotReady"
		}

		var trustValid *bool
		if s.trust != nil {
			if info, ok := s.trust.Get(ip); ok {
				trustValid = &info.TrustChainValid
			}
		}

		workers = append(workers, WorkerNodeInfo{
			ID:         fmt.Sprintf("worker%d", i+1),
			Name:       fmt.Sprintf("Worker %d", i+1),
			IP:         ip,
			Status:     status,
			TrustValid: trustValid,
			Metrics: NodeMetrics{
				CPU:    "45%",
				Memory: "60%",
				Disk:   "32%",
			},
			Certificates: certs,
		})
	}

	writeData(w, workers)
}

func (s *Server) handleCertificates(w http.ResponseWriter, _ *http.Request) {
	records := s.mgr.Ledger()

	certs := make([]CertificateDetail, 0, len(records))
	for _, rec := range records {
		certs = append(certs, CertificateDetail{
			Name:     rec.Type,
			Expires:  expiresAt(rec),
			Status:   distributionStatus(rec, "Valid", "Warning"),
			CertType: certTypeOf(rec.Type),
			Issuer:   "Kubernetes CA",
			Nodes:    rec.Hosts,
		})
	}

	writeData(w, certs)
}

func (s *Server) handleDebugCertificates(w http.ResponseWriter, _ *http.Request) {
	records := s.mgr.Ledger()

	info := debugInfo{
		TotalCertificates: len(records),
		Certificates:      make([]debugRecord, 0, len(records)),
	}
	for _, rec := range records {
		info.Certificates = append(info.Certificates, debugRecord{
			CertType:    rec.Type,
			Hosts:       rec.Hosts,
			Distributed: rec.Distributed != nil,
			Generated:   rec.Generated,
		})
	}

	writeData(w, info)
}

func (s *Server) handleTrustValidate(w http.ResponseWriter, r *http.Request) {
	if s.trust == nil {
		writeError(w, http.StatusInternalServerError, "trust store not initialized")
		return
	}

	s.trust.Revalidate(r.Context())

	writeData(w, TrustValidationResponse{Nodes: s.trust.Contents()})
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	if s.oplog == nil {
		writeData(w, []string{})
		return
	}

	writeData(w, s.oplog.Entries())
}

func (s *Server) isReachable(host string) bool {
	return s.cache != nil && s.cache.IsVerified(host)
}

func nodeCertStatuses(records []cert.Record, ip string) []CertStatus {
	var out []CertStatus

	for _, rec := range records {
		if !slices.Contains(rec.Hosts, ip) || strings.Contains(rec.Type, cert.RootCAName) {
			continue
		}

		last := rec.Generated.Time
		if rec.Distributed != nil {
			last = rec.Distributed.Time
		}

		out = append(out, CertStatus{
			CertType:    rec.Type,
			Status:      distributionStatus(rec, "Distributed", "Generated"),
			LastUpdated: last.UTC().Format(time.RFC3339),
		})
	}

	return out
}

// expiresAt derives the expiry from the generation time and the validity
// window the artifact was issued with.
func expiresAt(rec cert.Record) string {
	days := cert.LeafValidityDays
	switch rec.Type {
	case cert.RootCAName, cert.IntermediateCAName, cert.CAChainName:
		days = cert.CAValidityDays
	}

	return rec.Generated.Add(time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339)
}

func distributionStatus(rec cert.Record, distributed, pending string) string {
	if rec.Distributed != nil {
		return distributed
	}
	return pending
}

func certTypeOf(name string) string {
	switch {
	case strings.Contains(name, "client"):
		return "Client"
	case strings.Contains(name, "server"):
		return "Server"
	default:
		return "Peer"
	}
}

func componentMetrics(dbSize string) ComponentMetrics {
	return ComponentMetrics{
		CPUUsage:       "45%",
		MemoryUsage:    "60%",
		RequestLatency: "10ms",
		RequestRate:    "100 req/s",
		DBSize:         dbSize,
	}
}

func hostInfo() *HostInfo {
	hm := metrics.CollectHost()
	if hm == nil {
		return nil
	}

	return &HostInfo{
		MemoryTotal: humanize.IBytes(hm.MemoryTotal),
		MemoryUsed:  humanize.IBytes(hm.MemoryUsed),
		Load1:       hm.Load1,
		Load5:       hm.Load5,
		Load15:      hm.Load15,
	}
}
