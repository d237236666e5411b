// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

// Package cert implements the PKI trust fabric of a self-managed Kubernetes
// cluster: CA hierarchy generation via the openssl binary, a persisted
// certificate ledger, and privileged distribution of artifacts to cluster
// hosts over ssh/scp.
package cert

import (
	"fmt"
	"net"
	"path/filepath"
)

// Kind enumerates the certificate kinds the generation pipeline can produce.
// The kind decides whether a certificate self-signs or is signed by a parent
// CA, and which basic constraints and extensions are emitted.
type Kind int

const (
	RootCA Kind = iota
	IntermediateCA
	APIServer
	KubeletClient
	ServiceAccount
	ControllerManager
	Scheduler
	Node
	Admin
)

func (k Kind) String() string {
	switch k {
	case RootCA:
		return "root-ca"
	case IntermediateCA:
		return "intermediate-ca"
	case APIServer:
		return "api-server"
	case KubeletClient:
		return "kubelet-client"
	case ServiceAccount:
		return "service-account"
	case ControllerManager:
		return "controller-manager"
	case Scheduler:
		return "scheduler"
	case Node:
		return "node"
	case Admin:
		return "admin"
	}
	return "unknown"
}

// IsCA reports whether certificates of this kind carry CA:TRUE basic constraints.
func (k Kind) IsCA() bool {
	return k == RootCA || k == IntermediateCA
}

// SelfSigned reports whether certificates of this kind sign themselves
// instead of being signed by a parent CA.
func (k Kind) SelfSigned() bool {
	return k == RootCA
}

// SANType distinguishes DNS from IP subject-alternative-name entries.
type SANType int

const (
	SANDNS SANType = iota
	SANIP
)

// SAN is a typed subject-alternative-name entry.
type SAN struct {
	Type  SANType
	Value string
}

// DNS returns a DNS-typed SAN entry.
func DNS(v string) SAN {
	return SAN{Type: SANDNS, Value: v}
}

// IP returns an IP-typed SAN entry.
func IP(v string) SAN {
	return SAN{Type: SANIP, Value: v}
}

// SANs types each host as an IP or DNS entry based on whether it parses as an
// IP address.
func SANs(hosts ...string) []SAN {
	var sans []SAN

	for _, host := range hosts {
		if net.ParseIP(host) != nil {
			sans = append(sans, IP(host))
		} else {
			sans = append(sans, DNS(host))
		}
	}

	return sans
}

// partitionSANs splits entries by type preserving order within each type.
// The openssl alt_names block requires per-type sequential numbering
// (DNS.1..n then IP.1..m), so the partition order is a format contract.
func partitionSANs(sans []SAN) (dns, ips []string) {
	for _, san := range sans {
		switch san.Type {
		case SANIP:
			ips = append(ips, san.Value)
		default:
			dns = append(dns, san.Value)
		}
	}
	return dns, ips
}

// Config describes one certificate generation call. A Config is assembled by
// a component generator, consumed by Operations.GenerateCert and not reused.
type Config struct {
	Kind         Kind
	CommonName   string
	Organization string
	Country      string
	State        string
	Locality     string
	ValidityDays int
	KeySize      int
	OutputDir    string
	AltNames     []SAN
	KeyUsage     []string
	ExtKeyUsage  []string
}

// Validity windows and key size used by every component generator.
const (
	CAValidityDays   = 3650
	LeafValidityDays = 375
	DefaultKeySize   = 2048
)

// Fixed filenames of the local certificate layout. The layout is a
// compatibility contract shared with the distribution routing table and the
// discovery engine.
const (
	CertsDir = "certs"

	CertSuffix = ".crt"
	KeySuffix  = ".key"
	CSRName    = "csr"

	RootCADirName         = "root-ca"
	IntermediateCADirName = "kubernetes-ca"
	ServiceAccountDirName = "service-account"

	CACertFileName  = "ca.crt"
	CAKeyFileName   = "ca.key"
	CAChainFileName = "ca-chain.crt"

	CASerialFileName = "serial"
	CAIndexFileName  = "index.txt"
	caInitialSerial  = "01"

	SAKeyFileName = "sa.key"
	SAPubFileName = "sa.pub"

	KubeconfigDir            = "kubeconfig"
	EncryptionConfigFileName = "encryption-config.yaml"

	StatusFileName = "certificate_status.json"
)

// Logical names keying the ledger and the distribution routing table.
const (
	RootCAName            = "root-ca"
	IntermediateCAName    = "kubernetes-ca"
	CAChainName           = "ca-chain"
	APIServerName         = "kube-apiserver"
	ControllerManagerName = "controller-manager"
	SchedulerName         = "scheduler"
	KubeletClientName     = "kubelet-client"
	AdminName             = "admin"
	ServiceAccountName    = "service-account"
	EncryptionConfigName  = "encryption-config"

	nodePrefix       = "node-"
	kubeconfigPrefix = "kubeconfig/"
)

// CertDir returns the local directory holding the named certificate.
func CertDir(name string) string {
	return filepath.Join(CertsDir, name)
}

// CertPath returns the local path of the named certificate.
func CertPath(name string) string {
	return filepath.Join(CertsDir, name, name+CertSuffix)
}

// KeyPath returns the local path of the named private key.
func KeyPath(name string) string {
	return filepath.Join(CertsDir, name, name+KeySuffix)
}

// CSRPath returns the local path of the named signing request.
func CSRPath(name string) string {
	return filepath.Join(CertsDir, name, CSRName)
}

// RootCACertPath returns the local path of the root CA certificate.
func RootCACertPath() string {
	return filepath.Join(CertsDir, RootCADirName, CACertFileName)
}

// IntermediateCACertPath returns the local path of the cluster CA certificate.
func IntermediateCACertPath() string {
	return filepath.Join(CertsDir, IntermediateCADirName, CACertFileName)
}

// CAChainPath returns the local path of the root+intermediate chain bundle.
func CAChainPath() string {
	return filepath.Join(CertsDir, IntermediateCADirName, CAChainFileName)
}

// NodeName returns the logical name of the n-th worker node, 1-based.
// The ordinal naming feeds SANs, kubeconfig credentials and distribution
// file names, so it must stay stable.
func NodeName(n int) string {
	return fmt.Sprintf("%s%d", nodePrefix, n)
}

// NodeClusterName returns the cluster-local DNS name of the n-th worker node.
func NodeClusterName(n int) string {
	return fmt.Sprintf("%s%d.cluster.local", nodePrefix, n)
}

// KubeconfigName returns the ledger/routing name of a kubeconfig artifact.
// The name doubles as the artifact's local path, so it carries the .conf
// extension the remote side expects under /etc/kubernetes.
func KubeconfigName(name string) string {
	return kubeconfigPrefix + name + ".conf"
}

// IsNodeName reports whether a logical name denotes a worker node certificate.
func IsNodeName(name string) bool {
	return len(name) > len(nodePrefix) && name[:len(nodePrefix)] == nodePrefix
}

// IsKubeconfigName reports whether a logical name denotes a kubeconfig artifact.
func IsKubeconfigName(name string) bool {
	return len(name) > len(kubeconfigPrefix) && name[:len(kubeconfigPrefix)] == kubeconfigPrefix
}
