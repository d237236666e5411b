// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSANsClassification(t *testing.T) {
	got := SANs("node-1.example.com", "192.168.1.20", "localhost", "fd00::1")

	want := []SAN{
		DNS("node-1.example.com"),
		IP("192.168.1.20"),
		DNS("localhost"),
		IP("fd00::1"),
	}

	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("SAN classification mismatch (-want +got):\n%s", d)
	}
}

func TestRenderCSRConfig(t *testing.T) {
	tests := []struct {
		name string
		cc   *Config
		want string
	}{
		{
			name: "minimal subject defaults organization",
			cc: &Config{
				Kind:       KubeletClient,
				CommonName: "kube-apiserver-kubelet-client",
			},
			want: `[req]
req_extensions = v3_req
distinguished_name = req_distinguished_name
prompt = no

[req_distinguished_name]
CN = kube-apiserver-kubelet-client
O = Kubernetes

[v3_req]
basicConstraints = CA:FALSE
keyUsage = nonRepudiation, digitalSignature, keyEncipherment
`,
		},
		{
			name: "full subject with partitioned alt names",
			cc: &Config{
				Kind:         Scheduler,
				CommonName:   "system:kube-scheduler",
				Organization: "system:kube-scheduler",
				Country:      "US",
				State:        "Columbia",
				Locality:     "Columbia",
				AltNames: []SAN{
					DNS("kube-scheduler"),
					IP("127.0.0.1"),
				},
			},
			want: `[req]
req_extensions = v3_req
distinguished_name = req_distinguished_name
prompt = no

[req_distinguished_name]
CN = system:kube-scheduler
O = system:kube-scheduler
C = US
ST = Columbia
L = Columbia

[v3_req]
basicConstraints = CA:FALSE
keyUsage = nonRepudiation, digitalSignature, keyEncipherment
subjectAltName = @alt_names

[alt_names]
DNS.1 = kube-scheduler
IP.1 = 127.0.0.1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderCSRConfig(tt.cc)
			if d := cmp.Diff(tt.want, got); d != "" {
				t.Errorf("config mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestRenderExtensionsFile(t *testing.T) {
	tests := []struct {
		name string
		cc   *Config
		want string
	}{
		{
			name: "ca extensions",
			cc: &Config{
				Kind:     RootCA,
				KeyUsage: []string{"critical", "keyCertSign", "cRLSign"},
			},
			want: `basicConstraints = critical,CA:TRUE
keyUsage = critical, keyCertSign, cRLSign
`,
		},
		{
			name: "leaf with interleaved alt name types",
			cc: &Config{
				Kind:        APIServer,
				KeyUsage:    []string{"critical", "digitalSignature", "keyEncipherment"},
				ExtKeyUsage: []string{"serverAuth"},
				AltNames: []SAN{
					DNS("localhost"),
					IP("127.0.0.1"),
					DNS("kubernetes"),
					IP("10.96.0.1"),
					DNS("kubernetes.default"),
				},
			},
			want: `basicConstraints = critical,CA:FALSE
keyUsage = critical, digitalSignature, keyEncipherment
extendedKeyUsage = serverAuth
subjectAltName = @alt_names

[alt_names]
DNS.1 = localhost
DNS.2 = kubernetes
DNS.3 = kubernetes.default
IP.1 = 127.0.0.1
IP.2 = 10.96.0.1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderExtensionsFile(tt.cc)
			if d := cmp.Diff(tt.want, got); d != "" {
				t.Errorf("extensions mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{touchOut: true}
	o := NewOperations(dir, runner, NewTracker())

	keyPath := filepath.Join(dir, "certs", "admin", "admin.key")
	if err := o.GenerateKey(context.Background(), keyPath, 2048); err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	want := []string{"openssl", "genrsa", "-out", keyPath, "2048"}
	if d := cmp.Diff(want, runner.calls[0]); d != "" {
		t.Errorf("genrsa argv mismatch (-want +got):\n%s", d)
	}

	fi, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("key mode: want 0600, got %o", fi.Mode().Perm())
	}
}

func TestGenerateCSRRemovesRequestConfig(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{touchOut: true}
	o := NewOperations(dir, runner, NewTracker())

	keyPath := filepath.Join(dir, "admin.key")
	if err := os.WriteFile(keyPath, []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}
	csrPath := filepath.Join(dir, "csr")

	err := o.GenerateCSR(context.Background(), AdminConfig(), keyPath, csrPath)
	if err != nil {
		t.Fatalf("GenerateCSR failed: %v", err)
	}

	want := []string{
		"openssl", "req", "-new",
		"-key", keyPath,
		"-out", csrPath,
		"-config", csrPath + ".cnf",
		"-batch",
	}
	if d := cmp.Diff(want, runner.calls[0]); d != "" {
		t.Errorf("req argv mismatch (-want +got):\n%s", d)
	}

	if _, err := os.Stat(csrPath + ".cnf"); !os.IsNotExist(err) {
		t.Error("request config must be removed after the command returns")
	}
}

func TestSignCertificateArgumentOrder(t *testing.T) {
	dir := t.TempDir()

	mustWrite := func(name string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("pem"), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	csr := mustWrite("csr")
	ownKey := mustWrite("ca.key")
	caCert := mustWrite("parent-ca.crt")
	caKey := mustWrite("parent-ca.key")

	t.Run("self signed root", func(t *testing.T) {
		runner := &fakeRunner{touchOut: true}
		o := NewOperations(dir, runner, NewTracker())
		certPath := filepath.Join(dir, "ca.crt")

		cc := &Config{Kind: RootCA, ValidityDays: 3650}
		if err := o.SignCertificate(context.Background(), cc, csr, certPath, ownKey, ownKey); err != nil {
			t.Fatalf("SignCertificate failed: %v", err)
		}

		want := []string{
			"openssl", "x509", "-req",
			"-signkey", ownKey,
			"-in", csr,
			"-out", certPath,
			"-days", "3650",
			"-extfile", certPath + ".ext",
		}
		if d := cmp.Diff(want, runner.calls[0]); d != "" {
			t.Errorf("self-sign argv mismatch (-want +got):\n%s", d)
		}
	})

	t.Run("ca signed leaf", func(t *testing.T) {
		runner := &fakeRunner{touchOut: true}
		o := NewOperations(dir, runner, NewTracker())
		certPath := filepath.Join(dir, "scheduler.crt")

		cc := &Config{Kind: Scheduler, ValidityDays: 375}
		if err := o.SignCertificate(context.Background(), cc, csr, certPath, caCert, caKey); err != nil {
			t.Fatalf("SignCertificate failed: %v", err)
		}

		want := []string{
			"openssl", "x509", "-req",
			"-CA", caCert,
			"-CAkey", caKey,
			"-CAcreateserial",
			"-in", csr,
			"-out", certPath,
			"-days", "375",
			"-extfile", certPath + ".ext",
		}
		if d := cmp.Diff(want, runner.calls[0]); d != "" {
			t.Errorf("ca-sign argv mismatch (-want +got):\n%s", d)
		}

		if _, err := os.Stat(certPath + ".ext"); !os.IsNotExist(err) {
			t.Error("extensions file must be removed after the command returns")
		}
	})

	t.Run("missing ca is rejected before running openssl", func(t *testing.T) {
		runner := &fakeRunner{}
		o := NewOperations(dir, runner, NewTracker())

		cc := &Config{Kind: Node, ValidityDays: 375}
		err := o.SignCertificate(context.Background(), cc, csr, filepath.Join(dir, "n.crt"),
			filepath.Join(dir, "missing-ca.crt"), caKey)
		if err == nil {
			t.Fatal("expected error for missing CA certificate")
		}
		if len(runner.calls) != 0 {
			t.Error("openssl must not run when the CA pair is incomplete")
		}
	})
}

func TestVerifyCertificateCommands(t *testing.T) {
	runner := &fakeRunner{}
	o := NewOperations(t.TempDir(), runner, NewTracker())

	if err := o.VerifyCertificate(context.Background(), "some.crt", "chain.crt"); err != nil {
		t.Fatalf("VerifyCertificate failed: %v", err)
	}

	wantCalls := [][]string{
		{"openssl", "x509", "-in", "some.crt", "-noout", "-text"},
		{"openssl", "verify", "-CAfile", "chain.crt", "some.crt"},
	}
	if d := cmp.Diff(wantCalls, runner.calls); d != "" {
		t.Errorf("verify command sequence mismatch (-want +got):\n%s", d)
	}

	// Without a CA only the integrity check runs.
	runner.calls = nil
	if err := o.VerifyCertificate(context.Background(), "some.crt", ""); err != nil {
		t.Fatal(err)
	}
	if len(runner.calls) != 1 {
		t.Errorf("expected a single command without a CA, got %d", len(runner.calls))
	}
}

func TestGenerateServiceAccountKeypair(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{touchOut: true}
	o := NewOperations(dir, runner, NewTracker())

	keyPath := filepath.Join(dir, "certs", "service-account", "sa.key")
	pubPath := filepath.Join(dir, "certs", "service-account", "sa.pub")

	if err := o.GenerateServiceAccountKeypair(context.Background(), keyPath, pubPath); err != nil {
		t.Fatalf("GenerateServiceAccountKeypair failed: %v", err)
	}

	wantCalls := [][]string{
		{"openssl", "genpkey", "-algorithm", "RSA", "-out", keyPath, "-pkeyopt", "rsa_keygen_bits:2048"},
		{"openssl", "rsa", "-in", keyPath, "-pubout", "-out", pubPath},
	}
	if d := cmp.Diff(wantCalls, runner.calls); d != "" {
		t.Errorf("keypair command sequence mismatch (-want +got):\n%s", d)
	}

	fi, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("sa.key mode: want 0600, got %o", fi.Mode().Perm())
	}
}

func TestRunFoldsStderrIntoError(t *testing.T) {
	runner := &fakeRunner{failOn: "genrsa"}
	o := NewOperations(t.TempDir(), runner, NewTracker())

	err := o.GenerateKey(context.Background(), filepath.Join(t.TempDir(), "k.key"), 2048)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "simulated failure") {
		t.Errorf("stderr missing from error: %v", err)
	}
}
