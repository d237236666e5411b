// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/certfleet/certfleet/exec"
)

const (
	// expiryWarningWindow is how far ahead of not_after a certificate is
	// reported as expiring soon.
	expiryWarningWindow = 30 * 24 * time.Hour

	// DefaultRevalidationInterval is the cadence of the background pass that
	// re-reads tracked certificate files from disk.
	DefaultRevalidationInterval = 24 * time.Hour
)

// NodeTrustInfo aggregates the trust posture of one host: the certificates
// seen on it, whether every leaf chained to a known CA, and which subjects
// expire inside the warning window.
type NodeTrustInfo struct {
	NodeIP           string            `json:"node_ip"`
	Certificates     []CertificateInfo `json:"certificates"`
	TrustChainValid  bool              `json:"trust_chain_valid"`
	PermissionsValid bool              `json:"permissions_valid"`
	ExpiringSoon     []string          `json:"expiring_soon"`
	LastChecked      time.Time         `json:"last_checked"`
}

// TrustStore keeps the latest NodeTrustInfo per host. Chain checks shell out
// to openssl through a Runner so tests can substitute their own verifier.
type TrustStore struct {
	mu     sync.RWMutex
	nodes  map[string]NodeTrustInfo
	runner exec.Runner
	now    func() time.Time
}

func NewTrustStore(runner exec.Runner) *TrustStore {
	return &TrustStore{
		nodes:  map[string]NodeTrustInfo{},
		runner: runner,
		now:    time.Now,
	}
}

// ValidateNodeTrust rebuilds the trust record for nodeIP from the given
// certificates. Every non-CA certificate whose issuer is present, either in
// the batch itself or anywhere in the store, is chain-verified; a single
// failure marks the whole node untrusted. Expiring leaves are collected by
// subject. The resulting record replaces whatever the store held for the
// node.
func (t *TrustStore) ValidateNodeTrust(ctx context.Context, nodeIP string, certs []CertificateInfo) NodeTrustInfo {
	log.Debugf("validating trust chain for node %s with %d certificates", nodeIP, len(certs))

	info := NodeTrustInfo{
		NodeIP:           nodeIP,
		Certificates:     certs,
		TrustChainValid:  true,
		PermissionsValid: true,
		LastChecked:      t.now(),
	}

	for _, c := range certs {
		if c.IsCA {
			continue
		}

		if ca := t.findIssuingCA(c.Issuer, certs); ca != nil {
			if err := t.verifyChain(ctx, c.Path, ca.Path); err != nil {
				log.Warnf("trust chain broken on %s: %s: %v", nodeIP, c.Subject, err)
				info.TrustChainValid = false
			}
		} else {
			log.Debugf("no issuing CA known for %s on %s", c.Subject, nodeIP)
		}

		if t.expiringSoon(c) {
			info.ExpiringSoon = append(info.ExpiringSoon, c.Subject)
		}
	}

	t.Update(nodeIP, info)

	return info
}

// findIssuingCA locates a CA certificate whose subject matches issuer. The
// incoming batch is searched before the store so a self-contained bundle
// validates without prior state.
func (t *TrustStore) findIssuingCA(issuer string, batch []CertificateInfo) *CertificateInfo {
	for i := range batch {
		if batch[i].IsCA && batch[i].Subject == issuer {
			return &batch[i]
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, node := range t.nodes {
		for i := range node.Certificates {
			if node.Certificates[i].IsCA && node.Certificates[i].Subject == issuer {
				c := node.Certificates[i]
				return &c
			}
		}
	}

	return nil
}

// verifyChain runs openssl verify with caPath as the trust anchor.
func (t *TrustStore) verifyChain(ctx context.Context, certPath, caPath string) error {
	cmd := exec.NewExecCmdFromSlice([]string{"openssl", "verify", "-CAfile", caPath, certPath})

	res, err := t.runner.Run(ctx, cmd)
	if err != nil {
		return errors.Wrapf(err, "failed to run openssl verify for %s", certPath)
	}

	if !res.Success() {
		return errors.Errorf("openssl verify failed for %s: %s",
			certPath, strings.TrimSpace(res.GetStdErrString()))
	}

	return nil
}

// expiringSoon reports whether c expires inside the warning window. Already
// expired certificates are excluded, they fail chain verification instead.
func (t *TrustStore) expiringSoon(c CertificateInfo) bool {
	now := t.now()
	if !c.NotAfter.After(now) {
		return false
	}

	return c.NotAfter.Sub(now) < expiryWarningWindow
}

// Get returns the trust record for nodeIP.
func (t *TrustStore) Get(nodeIP string) (NodeTrustInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.nodes[nodeIP]

	return info, ok
}

// Update replaces the trust record for nodeIP.
func (t *TrustStore) Update(nodeIP string, info NodeTrustInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes[nodeIP] = info
}

// Contents returns a copy of every trust record keyed by node address.
func (t *TrustStore) Contents() map[string]NodeTrustInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]NodeTrustInfo, len(t.nodes))

	for ip, info := range t.nodes {
		cp := info
		cp.Certificates = append([]CertificateInfo(nil), info.Certificates...)
		cp.ExpiringSoon = append([]string(nil), info.ExpiringSoon...)
		out[ip] = cp
	}

	return out
}

// Revalidate performs one maintenance pass over every tracked node: each
// certificate file is re-read and re-parsed, parse failures mark the node
// untrusted and are recorded on the certificate itself.
func (t *TrustStore) Revalidate(ctx context.Context) {
	scanner := &Scanner{now: t.now}

	for ip, info := range t.Contents() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		info.LastChecked = t.now()

		for i := range info.Certificates {
			c := &info.Certificates[i]

			fresh, err := scanner.Analyze(c.Path)
			if err != nil {
				log.Warnf("revalidation failed for %s on %s: %v", c.Path, ip, err)
				info.TrustChainValid = false
				c.VerificationError = err.Error()
				now := t.now()
				c.LastVerified = &now

				continue
			}

			*c = *fresh
		}

		t.Update(ip, info)

		log.Debugf("revalidated %d certificates on %s", len(info.Certificates), ip)
	}
}

// StartPeriodicRevalidation runs Revalidate every interval until ctx is
// cancelled.
func (t *TrustStore) StartPeriodicRevalidation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRevalidationInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Revalidate(ctx)
			}
		}
	}()
}
