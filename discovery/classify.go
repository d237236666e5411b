// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"path/filepath"
	"strings"

	"github.com/certfleet/certfleet/cert"
)

// GenericCAType tags CA certificates that match none of the known cluster
// roles.
const GenericCAType = "ca"

// classifyRule maps one predicate to the logical certificate name it
// assigns. Rules are evaluated in order, filename markers before subject
// markers, so a ca-chain bundle never classifies as the intermediate CA it
// starts with.
type classifyRule struct {
	match func(info *CertificateInfo) bool
	typ   string
}

var classifyRules = []classifyRule{
	{fileContains("ca-chain"), cert.CAChainName},
	{fileContains("sa.pub"), cert.ServiceAccountName},
	{fileContains("sa.key"), cert.ServiceAccountName},
	{fileContains("encryption-config"), cert.EncryptionConfigName},
	{fileContains("ca.crt"), cert.IntermediateCAName},
	{fileContains("ca.key"), cert.IntermediateCAName},
	{subjectContains("root"), cert.RootCAName},
	{subjectContains("service account"), cert.ServiceAccountName},
	{subjectContains("controller-manager"), cert.ControllerManagerName},
	{func(info *CertificateInfo) bool { return info.IsCA }, GenericCAType},
}

// DetermineCertType maps a discovered certificate onto the logical name the
// tracking ledger uses for it. The mapping is a best-effort heuristic over
// filename and subject markers; unknown leaf certificates get a stable
// fingerprint-derived name instead.
func DetermineCertType(info *CertificateInfo) string {
	for _, r := range classifyRules {
		if r.match(info) {
			return r.typ
		}
	}

	return genericCertType(info)
}

func fileContains(marker string) func(info *CertificateInfo) bool {
	return func(info *CertificateInfo) bool {
		return strings.Contains(filepath.Base(info.Path), marker)
	}
}

func subjectContains(marker string) func(info *CertificateInfo) bool {
	return func(info *CertificateInfo) bool {
		return strings.Contains(strings.ToLower(info.Subject), marker)
	}
}

// genericCertType derives a stable name from the first fingerprint bytes so
// repeated scans of the same unknown certificate agree on its identity.
func genericCertType(info *CertificateInfo) string {
	fp := strings.ToLower(strings.ReplaceAll(info.Fingerprint, ":", ""))
	if len(fp) > 8 {
		fp = fp[:8]
	}

	if fp == "" {
		return "cert-unknown"
	}

	return "cert-" + fp
}
