// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExportDOT(t *testing.T) {
	dir := t.TempDir()
	certs := writeChain(t, dir)

	ts := NewTrustStore(&verifyingRunner{})
	ts.ValidateNodeTrust(context.Background(), "10.0.0.1", certs)

	dot, err := ts.ExportDOT()
	if err != nil {
		t.Fatalf("ExportDOT() error = %v", err)
	}

	if !strings.Contains(dot, "digraph") {
		t.Errorf("output is not a digraph:\n%s", dot)
	}

	// root signs the intermediate, the intermediate signs the leaf
	if got := strings.Count(dot, "->"); got != 2 {
		t.Errorf("found %d issuance edges, want 2:\n%s", got, dot)
	}

	if !strings.Contains(dot, "kube-apiserver") {
		t.Errorf("leaf label missing:\n%s", dot)
	}
	if !strings.Contains(dot, "green") {
		t.Errorf("healthy certificates not shaded green:\n%s", dot)
	}
	if strings.Contains(dot, "red") {
		t.Errorf("healthy store shows red nodes:\n%s", dot)
	}
}

func TestExportDOTShadesByValidity(t *testing.T) {
	now := time.Now()

	ts := NewTrustStore(&verifyingRunner{})
	ts.Update("10.0.0.1", NodeTrustInfo{
		NodeIP: "10.0.0.1",
		Certificates: []CertificateInfo{
			{Subject: "CN=expiring", NotAfter: now.Add(10 * 24 * time.Hour), Fingerprint: "AA:11"},
			{Subject: "CN=expired", NotAfter: now.Add(-time.Hour), Fingerprint: "BB:22"},
			{Subject: "CN=unreadable", NotAfter: now.Add(365 * 24 * time.Hour), VerificationError: "bad file", Fingerprint: "CC:33"},
		},
	})

	dot, err := ts.ExportDOT()
	if err != nil {
		t.Fatalf("ExportDOT() error = %v", err)
	}

	if !strings.Contains(dot, "orange") {
		t.Errorf("expiring certificate not shaded orange:\n%s", dot)
	}
	if !strings.Contains(dot, "red") {
		t.Errorf("expired certificate not shaded red:\n%s", dot)
	}
}

func TestWriteDOT(t *testing.T) {
	dir := t.TempDir()
	certs := writeChain(t, dir)

	ts := NewTrustStore(&verifyingRunner{})
	ts.ValidateNodeTrust(context.Background(), "10.0.0.1", certs)

	path := filepath.Join(t.TempDir(), "trust.dot")
	if err := ts.WriteDOT(path); err != nil {
		t.Fatalf("WriteDOT() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(data), "digraph") {
		t.Errorf("written file is not a digraph:\n%s", data)
	}
}
