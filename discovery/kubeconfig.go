// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// KubeConfig is the subset of a kubeconfig file discovery cares about:
// which clusters, users and contexts it names and which certificate files
// they reference.
type KubeConfig struct {
	Clusters []ClusterEntry
	Users    []UserEntry
	Contexts []ContextEntry
}

type ClusterEntry struct {
	Name                 string
	Server               string
	CertificateAuthority string
}

type UserEntry struct {
	Name              string
	ClientCertificate string
	ClientKey         string
}

type ContextEntry struct {
	Name    string
	Cluster string
	User    string
}

// kubeconfigFile mirrors the nested YAML layout kubectl writes.
type kubeconfigFile struct {
	Clusters []struct {
		Name    string `yaml:"name"`
		Cluster struct {
			Server               string `yaml:"server"`
			CertificateAuthority string `yaml:"certificate-authority"`
		} `yaml:"cluster"`
	} `yaml:"clusters"`
	Users []struct {
		Name string `yaml:"name"`
		User struct {
			ClientCertificate string `yaml:"client-certificate"`
			ClientKey         string `yaml:"client-key"`
		} `yaml:"user"`
	} `yaml:"users"`
	Contexts []struct {
		Name    string `yaml:"name"`
		Context struct {
			Cluster string `yaml:"cluster"`
			User    string `yaml:"user"`
		} `yaml:"context"`
	} `yaml:"contexts"`
}

// ImportKubeconfig parses the kubeconfig at path into the flattened
// KubeConfig model. Certificate references embedded as data rather than file
// paths come back empty.
func ImportKubeconfig(path string) (*KubeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read kubeconfig %s", path)
	}

	var file kubeconfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse kubeconfig %s", path)
	}

	kc := &KubeConfig{}

	for _, c := range file.Clusters {
		kc.Clusters = append(kc.Clusters, ClusterEntry{
			Name:                 c.Name,
			Server:               c.Cluster.Server,
			CertificateAuthority: c.Cluster.CertificateAuthority,
		})
	}

	for _, u := range file.Users {
		kc.Users = append(kc.Users, UserEntry{
			Name:              u.Name,
			ClientCertificate: u.User.ClientCertificate,
			ClientKey:         u.User.ClientKey,
		})
	}

	for _, c := range file.Contexts {
		kc.Contexts = append(kc.Contexts, ContextEntry{
			Name:    c.Name,
			Cluster: c.Context.Cluster,
			User:    c.Context.User,
		})
	}

	log.Debugf("imported kubeconfig %s: %d clusters, %d users, %d contexts",
		path, len(kc.Clusters), len(kc.Users), len(kc.Contexts))

	return kc, nil
}

// CertificatePaths lists every certificate file the kubeconfig references,
// in document order, without duplicates.
func (k *KubeConfig) CertificatePaths() []string {
	seen := map[string]struct{}{}
	var paths []string

	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}

	for _, c := range k.Clusters {
		add(c.CertificateAuthority)
	}

	for _, u := range k.Users {
		add(u.ClientCertificate)
		add(u.ClientKey)
	}

	return paths
}
