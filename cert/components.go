// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Fixed subject location attached to control-plane and node certificates.
const (
	subjectCountry  = "US"
	subjectState    = "Columbia"
	subjectLocality = "Columbia"
)

// leafKeyUsage is the key usage set every leaf certificate carries.
func leafKeyUsage() []string {
	return []string{"critical", "digitalSignature", "keyEncipherment"}
}

// APIServerConfig assembles the API server serving certificate. The SAN set
// covers loopback, the control plane address, the cluster service VIP and
// the in-cluster service names.
func APIServerConfig(controlPlane string) *Config {
	return &Config{
		Kind:         APIServer,
		CommonName:   "kube-apiserver",
		Organization: "kubernetes",
		Country:      subjectCountry,
		State:        subjectState,
		Locality:     subjectLocality,
		ValidityDays: LeafValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    CertDir(APIServerName),
		AltNames: []SAN{
			DNS("localhost"),
			IP("127.0.0.1"),
			DNS("control-plane-0"),
			IP(controlPlane),
			IP("10.96.0.1"),
			DNS("kubernetes"),
			DNS("kubernetes.default"),
			DNS("kubernetes.default.svc"),
			DNS("kubernetes.default.svc.cluster"),
			DNS("kubernetes.default.svc.cluster.local"),
		},
		KeyUsage:    leafKeyUsage(),
		ExtKeyUsage: []string{"serverAuth"},
	}
}

// ControllerManagerConfig assembles the controller manager client/serving
// certificate.
func ControllerManagerConfig() *Config {
	return &Config{
		Kind:         ControllerManager,
		CommonName:   "system:kube-controller-manager",
		Organization: "system:kube-controller-manager",
		Country:      subjectCountry,
		State:        subjectState,
		Locality:     subjectLocality,
		ValidityDays: LeafValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    CertDir(ControllerManagerName),
		AltNames: []SAN{
			DNS("kube-proxy"),
			IP("127.0.0.1"),
		},
		KeyUsage:    leafKeyUsage(),
		ExtKeyUsage: []string{"clientAuth", "serverAuth"},
	}
}

// SchedulerConfig assembles the scheduler client/serving certificate.
func SchedulerConfig() *Config {
	return &Config{
		Kind:         Scheduler,
		CommonName:   "system:kube-scheduler",
		Organization: "system:kube-scheduler",
		Country:      subjectCountry,
		State:        subjectState,
		Locality:     subjectLocality,
		ValidityDays: LeafValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    CertDir(SchedulerName),
		AltNames: []SAN{
			DNS("kube-scheduler"),
			IP("127.0.0.1"),
		},
		KeyUsage:    leafKeyUsage(),
		ExtKeyUsage: []string{"clientAuth", "serverAuth"},
	}
}

// KubeletClientConfig assembles the credential the API server presents to
// kubelets. Membership in system:masters is what authorizes it.
func KubeletClientConfig() *Config {
	return &Config{
		Kind:         KubeletClient,
		CommonName:   "kube-apiserver-kubelet-client",
		Organization: "system:masters",
		ValidityDays: LeafValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    CertDir(KubeletClientName),
		KeyUsage:     leafKeyUsage(),
		ExtKeyUsage:  []string{"clientAuth"},
	}
}

// AdminConfig assembles the cluster administrator client certificate backing
// the admin kubeconfig.
func AdminConfig() *Config {
	return &Config{
		Kind:         Admin,
		CommonName:   "admin",
		Organization: "system:masters",
		ValidityDays: LeafValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    CertDir(AdminName),
		KeyUsage:     leafKeyUsage(),
		ExtKeyUsage:  []string{"clientAuth"},
	}
}

// NodeConfig assembles the kubelet certificate of the n-th worker node at
// addr. The ordinal DNS names are load-bearing: kubeconfigs and distribution
// derive file names from them.
func NodeConfig(n int, addr string) *Config {
	name := NodeName(n)

	altNames := SANs(addr)
	altNames = append(altNames,
		DNS(name),
		DNS(NodeClusterName(n)),
		IP("127.0.0.1"),
	)

	return &Config{
		Kind:         Node,
		CommonName:   "system:node:" + name,
		Organization: "system:nodes",
		Country:      subjectCountry,
		State:        subjectState,
		Locality:     subjectLocality,
		ValidityDays: LeafValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    CertDir(name),
		AltNames:     altNames,
		KeyUsage:     leafKeyUsage(),
		ExtKeyUsage:  []string{"serverAuth", "clientAuth"},
	}
}

// intermediateCADir is the signing CA location every leaf is issued from.
func intermediateCADir() string {
	return filepath.Join(CertsDir, IntermediateCADirName)
}

// GenerateComponents issues the control-plane leaf certificates against the
// intermediate CA and records them in the ledger with the control plane as
// their distribution target.
func (o *Operations) GenerateComponents(ctx context.Context, controlPlane string) error {
	log.Info("generating control plane certificates")

	components := []struct {
		name string
		cfg  *Config
	}{
		{APIServerName, APIServerConfig(controlPlane)},
		{ControllerManagerName, ControllerManagerConfig()},
		{SchedulerName, SchedulerConfig()},
		{KubeletClientName, KubeletClientConfig()},
		{AdminName, AdminConfig()},
	}

	for _, c := range components {
		if err := o.GenerateCert(ctx, c.name, intermediateCADir(), c.cfg); err != nil {
			return err
		}

		o.tracker.Upsert(c.name, CertPath(c.name), []string{controlPlane})
		o.tracker.MarkVerified(c.name, true)
	}

	log.Info("control plane certificates generated successfully")

	return nil
}

// GenerateNodes issues one kubelet certificate per worker node address,
// ordinals assigned in input order starting at 1.
func (o *Operations) GenerateNodes(ctx context.Context, workerNodes []string) error {
	log.Info("generating worker node certificates")

	for i, addr := range workerNodes {
		name := NodeName(i + 1)

		if err := o.GenerateCert(ctx, name, intermediateCADir(), NodeConfig(i+1, addr)); err != nil {
			return err
		}

		o.tracker.Upsert(name, CertPath(name), []string{addr})
		o.tracker.MarkVerified(name, true)
	}

	log.Info("worker node certificates generated successfully")

	return nil
}

// GenerateServiceAccount creates the token-signing keypair and records it
// with the control plane as its destination. The keypair needs no chain
// trust, so it is marked verified and distributed right away and stays out
// of the pending sweep; an explicit distribute still ships it through its
// routes.
func (o *Operations) GenerateServiceAccount(ctx context.Context, controlPlane string) error {
	log.Info("generating service account keypair")

	dir := filepath.Join(CertsDir, ServiceAccountDirName)

	err := o.GenerateServiceAccountKeypair(ctx,
		filepath.Join(o.abs(dir), SAKeyFileName),
		filepath.Join(o.abs(dir), SAPubFileName),
	)
	if err != nil {
		return &GenerationError{Stage: StageKey, Name: ServiceAccountName, Err: err}
	}

	o.tracker.Upsert(ServiceAccountName, filepath.Join(dir, SAKeyFileName), []string{controlPlane})
	o.tracker.MarkVerified(ServiceAccountName, true)
	o.tracker.MarkDistributed(ServiceAccountName)

	log.Info("service account keypair generated successfully")

	return nil
}
