// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package kubeconfig

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	yaml "gopkg.in/yaml.v2"

	"github.com/certfleet/certfleet/cert"
)

func TestGenerateEncryptionConfig(t *testing.T) {
	dir := t.TempDir()
	tracker := cert.NewTracker()
	g := NewGenerator(dir, &fakeRunner{}, tracker)

	if err := g.GenerateEncryptionConfig([]string{"192.168.1.10"}); err != nil {
		t.Fatalf("GenerateEncryptionConfig() error = %v", err)
	}

	path := filepath.Join(dir, cert.EncryptionConfigFileName)

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("encryption config not written: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("encryption config mode = %o, want 0600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var got struct {
		Kind       string `yaml:"kind"`
		APIVersion string `yaml:"apiVersion"`
		Resources  []struct {
			Resources []string `yaml:"resources"`
			Providers []struct {
				AESCBC *struct {
					Keys []struct {
						Name   string `yaml:"name"`
						Secret string `yaml:"secret"`
					} `yaml:"keys"`
				} `yaml:"aescbc"`
			} `yaml:"providers"`
		} `yaml:"resources"`
	}
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("encryption config is not valid YAML: %v", err)
	}

	if got.Kind != "EncryptionConfig" || got.APIVersion != "v1" {
		t.Errorf("kind/apiVersion = %s/%s, want EncryptionConfig/v1", got.Kind, got.APIVersion)
	}

	if len(got.Resources) != 1 || len(got.Resources[0].Resources) != 1 || got.Resources[0].Resources[0] != "secrets" {
		t.Fatalf("resources stanza malformed: %+v", got.Resources)
	}

	providers := got.Resources[0].Providers
	if len(providers) != 2 {
		t.Fatalf("got %d providers, want aescbc + identity", len(providers))
	}
	if providers[0].AESCBC == nil || len(providers[0].AESCBC.Keys) != 1 {
		t.Fatal("first provider is not aescbc with one key")
	}

	key := providers[0].AESCBC.Keys[0]
	if key.Name != "key1" {
		t.Errorf("key name = %q, want key1", key.Name)
	}

	secret, err := base64.StdEncoding.DecodeString(key.Secret)
	if err != nil {
		t.Fatalf("secret is not base64: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("secret is %d bytes, want 32", len(secret))
	}

	if providers[1].AESCBC != nil {
		t.Error("second provider is not the identity fallback")
	}
	if !strings.Contains(string(data), "identity: {}") {
		t.Errorf("identity fallback missing from output:\n%s", data)
	}

	r := tracker.Get(cert.EncryptionConfigName)
	if r == nil {
		t.Fatal("encryption config missing from ledger")
	}
	if r.Verified == nil || !*r.Verified {
		t.Error("encryption config not marked verified")
	}
	if len(r.Hosts) != 1 || r.Hosts[0] != "192.168.1.10" {
		t.Errorf("encryption config hosts = %v, want the control plane", r.Hosts)
	}
}

func TestGenerateEncryptionConfigUniqueKeys(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir, &fakeRunner{}, cert.NewTracker())

	read := func() string {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(dir, cert.EncryptionConfigFileName))
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}

	if err := g.GenerateEncryptionConfig(nil); err != nil {
		t.Fatal(err)
	}
	first := read()

	if err := g.GenerateEncryptionConfig(nil); err != nil {
		t.Fatal(err)
	}

	if first == read() {
		t.Error("two generations produced the same key material")
	}
}
