// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/certfleet/certfleet/exec"
)

// verifyingRunner satisfies exec.Runner and evaluates openssl verify
// invocations in process, checking the real leaf signature against the CA it
// was asked to trust. Tampered certificates fail exactly as they would under
// openssl, without shelling out.
type verifyingRunner struct {
	calls [][]string
}

func (r *verifyingRunner) Run(_ context.Context, cmd *exec.ExecCmd) (*exec.ExecResult, error) {
	argv := append([]string(nil), cmd.GetCmd()...)
	r.calls = append(r.calls, argv)

	res := exec.NewExecResult(cmd)

	if len(argv) != 5 || argv[0] != "openssl" || argv[1] != "verify" || argv[2] != "-CAfile" {
		res.ReturnCode = 2
		res.Stderr = "unexpected command"
		return res, nil
	}

	ca, err := loadCertFile(argv[3])
	if err != nil {
		res.ReturnCode = 2
		res.Stderr = err.Error()
		return res, nil
	}

	leaf, err := loadCertFile(argv[4])
	if err != nil {
		res.ReturnCode = 2
		res.Stderr = err.Error()
		return res, nil
	}

	if err := leaf.CheckSignatureFrom(ca); err != nil {
		res.ReturnCode = 1
		res.Stderr = "certificate signature failure"
		return res, nil
	}

	res.Stdout = exec.Stdout(argv[4] + ": OK\n")

	return res, nil
}

func loadCertFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("no PEM block in %s", path)
	}

	return x509.ParseCertificate(block.Bytes)
}

// writeChain lays a root, intermediate and leaf under dir and returns the
// scanned infos.
func writeChain(t *testing.T, dir string) []CertificateInfo {
	t.Helper()

	root := newTestCert(t, "Test Root CA", true, nil, time.Now().Add(10*365*24*time.Hour))
	inter := newTestCert(t, "test-cluster-ca", true, root, time.Now().Add(5*365*24*time.Hour))
	leaf := newTestCert(t, "kube-apiserver", false, inter, time.Now().Add(365*24*time.Hour))

	root.writePEM(t, filepath.Join(dir, "root.crt"))
	inter.writePEM(t, filepath.Join(dir, "intermediate.crt"))
	leaf.writePEM(t, filepath.Join(dir, "apiserver.crt"))

	certs := NewScanner().Discover(dir)
	if len(certs) != 3 {
		t.Fatalf("expected 3 certificates in fixture, got %d", len(certs))
	}

	return certs
}

func TestValidateNodeTrustValidChain(t *testing.T) {
	dir := t.TempDir()
	certs := writeChain(t, dir)

	runner := &verifyingRunner{}
	ts := NewTrustStore(runner)

	info := ts.ValidateNodeTrust(context.Background(), "10.0.0.1", certs)

	if !info.TrustChainValid {
		t.Error("TrustChainValid = false, want true")
	}
	if !info.PermissionsValid {
		t.Error("PermissionsValid = false, want true")
	}
	if len(info.ExpiringSoon) != 0 {
		t.Errorf("ExpiringSoon = %v, want empty", info.ExpiringSoon)
	}

	// only the leaf is chain checked, CAs are anchors not subjects
	if len(runner.calls) != 1 {
		t.Fatalf("runner saw %d commands, want 1: %v", len(runner.calls), runner.calls)
	}

	want := []string{
		"openssl", "verify",
		"-CAfile", filepath.Join(dir, "intermediate.crt"),
		filepath.Join(dir, "apiserver.crt"),
	}
	if diff := cmp.Diff(want, runner.calls[0]); diff != "" {
		t.Errorf("verify command mismatch (-want +got):\n%s", diff)
	}

	stored, ok := ts.Get("10.0.0.1")
	if !ok {
		t.Fatal("trust record not stored")
	}
	if !stored.TrustChainValid {
		t.Error("stored record not marked trusted")
	}
}

func TestValidateNodeTrustTamperedLeaf(t *testing.T) {
	goodDir := t.TempDir()
	badDir := t.TempDir()

	root := newTestCert(t, "Test Root CA", true, nil, time.Now().Add(10*365*24*time.Hour))
	inter := newTestCert(t, "test-cluster-ca", true, root, time.Now().Add(5*365*24*time.Hour))
	leaf := newTestCert(t, "kube-apiserver", false, inter, time.Now().Add(365*24*time.Hour))

	inter.writePEM(t, filepath.Join(goodDir, "intermediate.crt"))
	leaf.writePEM(t, filepath.Join(goodDir, "apiserver.crt"))

	// flip one signature bit, the ASN.1 structure still parses
	tampered := append([]byte(nil), leaf.der...)
	tampered[len(tampered)-1] ^= 0xFF
	writePEMBytes(t, filepath.Join(badDir, "intermediate.crt"), inter.der)
	writePEMBytes(t, filepath.Join(badDir, "apiserver.crt"), tampered)

	runner := &verifyingRunner{}
	ts := NewTrustStore(runner)

	good := ts.ValidateNodeTrust(context.Background(), "10.0.0.1", NewScanner().Discover(goodDir))
	bad := ts.ValidateNodeTrust(context.Background(), "10.0.0.2", NewScanner().Discover(badDir))

	if !good.TrustChainValid {
		t.Error("intact chain reported untrusted")
	}
	if bad.TrustChainValid {
		t.Error("tampered chain reported trusted")
	}

	// the failure on one node must not leak onto the other
	if stored, _ := ts.Get("10.0.0.1"); !stored.TrustChainValid {
		t.Error("intact node lost its trusted state")
	}
}

func TestValidateNodeTrustFindsCAInStore(t *testing.T) {
	cpDir := t.TempDir()
	workerDir := t.TempDir()

	root := newTestCert(t, "Test Root CA", true, nil, time.Now().Add(10*365*24*time.Hour))
	inter := newTestCert(t, "test-cluster-ca", true, root, time.Now().Add(5*365*24*time.Hour))
	leaf := newTestCert(t, "node-1", false, inter, time.Now().Add(365*24*time.Hour))

	root.writePEM(t, filepath.Join(cpDir, "root.crt"))
	inter.writePEM(t, filepath.Join(cpDir, "intermediate.crt"))
	leaf.writePEM(t, filepath.Join(workerDir, "node.crt"))

	runner := &verifyingRunner{}
	ts := NewTrustStore(runner)

	ts.ValidateNodeTrust(context.Background(), "10.0.0.1", NewScanner().Discover(cpDir))

	// the worker carries only its leaf, the issuing CA is known from the
	// control plane record
	info := ts.ValidateNodeTrust(context.Background(), "10.0.0.2", NewScanner().Discover(workerDir))

	if !info.TrustChainValid {
		t.Error("TrustChainValid = false, want true")
	}

	if len(runner.calls) != 1 {
		t.Fatalf("runner saw %d commands, want 1: %v", len(runner.calls), runner.calls)
	}
	if got := runner.calls[0][3]; got != filepath.Join(cpDir, "intermediate.crt") {
		t.Errorf("verify used CA %q, want the stored intermediate", got)
	}
}

func TestExpiringSoonWindow(t *testing.T) {
	now := time.Now()

	mkInfo := func(subject string, notAfter time.Time, isCA bool) CertificateInfo {
		return CertificateInfo{
			Path:     "unused",
			Subject:  subject,
			Issuer:   "CN=absent-ca",
			NotAfter: notAfter,
			IsCA:     isCA,
		}
	}

	certs := []CertificateInfo{
		mkInfo("CN=in-window", now.Add(29*24*time.Hour), false),
		mkInfo("CN=outside-window", now.Add(31*24*time.Hour), false),
		mkInfo("CN=already-expired", now.Add(-time.Hour), false),
		mkInfo("CN=expiring-ca", now.Add(5*24*time.Hour), true),
	}

	ts := NewTrustStore(&verifyingRunner{})
	ts.now = func() time.Time { return now }

	info := ts.ValidateNodeTrust(context.Background(), "10.0.0.1", certs)

	want := []string{"CN=in-window"}
	if diff := cmp.Diff(want, info.ExpiringSoon); diff != "" {
		t.Errorf("ExpiringSoon mismatch (-want +got):\n%s", diff)
	}

	// no issuing CA is known for these, that alone does not break trust
	if !info.TrustChainValid {
		t.Error("TrustChainValid = false, want true")
	}
}

func TestRevalidateDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	certs := writeChain(t, dir)

	ts := NewTrustStore(&verifyingRunner{})
	ts.ValidateNodeTrust(context.Background(), "10.0.0.1", certs)

	leafPath := filepath.Join(dir, "apiserver.crt")
	if err := os.WriteFile(leafPath, []byte("corrupted\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ts.Revalidate(context.Background())

	info, ok := ts.Get("10.0.0.1")
	if !ok {
		t.Fatal("trust record lost after revalidation")
	}

	if info.TrustChainValid {
		t.Error("corrupted certificate left node trusted")
	}

	var leafErr string
	for _, c := range info.Certificates {
		if c.Path == leafPath {
			leafErr = c.VerificationError
		} else if c.VerificationError != "" {
			t.Errorf("healthy certificate %s carries error %q", c.Path, c.VerificationError)
		}
	}

	if leafErr == "" {
		t.Error("corrupted certificate carries no verification error")
	}
}

func writePEMBytes(t *testing.T, path string, der []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatal(err)
	}
}
