// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package kubeconfig

import (
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/certfleet/certfleet/cert"
)

// encryptionKeyBytes is the AES-CBC key length kube-apiserver expects.
const encryptionKeyBytes = 32

type encryptionKey struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

type aescbcProvider struct {
	Keys []encryptionKey `yaml:"keys"`
}

type encryptionResource struct {
	Resources []string                 `yaml:"resources"`
	Providers []map[string]interface{} `yaml:"providers"`
}

type encryptionConfig struct {
	Kind       string               `yaml:"kind"`
	APIVersion string               `yaml:"apiVersion"`
	Resources  []encryptionResource `yaml:"resources"`
}

// GenerateEncryptionConfig writes the secrets-at-rest configuration for
// kube-apiserver: a fresh random AES-CBC key with an identity fallback so
// existing unencrypted secrets stay readable. hosts is recorded as the
// distribution target set.
func (g *Generator) GenerateEncryptionConfig(hosts []string) error {
	log.Info("generating encryption config")

	key := make([]byte, encryptionKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return errors.Wrap(err, "failed to generate encryption key")
	}

	cfg := encryptionConfig{
		Kind:       "EncryptionConfig",
		APIVersion: "v1",
		Resources: []encryptionResource{
			{
				Resources: []string{"secrets"},
				Providers: []map[string]interface{}{
					{
						"aescbc": aescbcProvider{
							Keys: []encryptionKey{
								{Name: "key1", Secret: base64.StdEncoding.EncodeToString(key)},
							},
						},
					},
					{"identity": map[string]string{}},
				},
			},
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal encryption config")
	}

	path := g.abs(cert.EncryptionConfigFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}

	g.tracker.Upsert(cert.EncryptionConfigName, cert.EncryptionConfigFileName, hosts)
	g.tracker.MarkVerified(cert.EncryptionConfigName, true)

	log.Infof("encryption config written to %s", path)

	return nil
}
