// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package utils

import (
	"os/exec"
	"regexp"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

// OpenSSLVersion returns the version of the openssl binary installed on the host.
func OpenSSLVersion() string {
	cmd := exec.Command("openssl", "version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warnf("failed to get openssl version: %v", err)
	}

	return parseOpenSSLVersion(string(out))
}

func parseOpenSSLVersion(in string) string {
	// matches "OpenSSL 1.1.1k  25 Mar 2021" and "OpenSSL 3.0.2 ..."
	re := regexp.MustCompile(`OpenSSL (\d+\.\d+\.\d+)`)
	match := re.FindStringSubmatch(in)

	if len(match) < 2 {
		log.Warnf("failed to parse openssl version from string: %s", in)
		return ""
	}

	return match[1]
}

// KubectlVersion returns the client version of the kubectl binary installed on the host.
func KubectlVersion() string {
	cmd := exec.Command("kubectl", "version", "--client", "--short")
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warnf("failed to get kubectl version: %v", err)
	}

	return parseKubectlVersion(string(out))
}

func parseKubectlVersion(in string) string {
	// matches "Client Version: v1.28.2"
	re := regexp.MustCompile(`Client Version:\s+v?(\d+\.\d+\.\d+)`)
	match := re.FindStringSubmatch(in)

	if len(match) < 2 {
		log.Warnf("failed to parse kubectl version from string: %s", in)
		return ""
	}

	return match[1]
}

// VersionAtLeast reports whether have is a parseable version greater than or equal to min.
// An unparseable have returns false so callers can warn and continue.
func VersionAtLeast(have, min string) bool {
	hv, err := goversion.NewVersion(have)
	if err != nil {
		return false
	}

	mv, err := goversion.NewVersion(min)
	if err != nil {
		return false
	}

	return hv.GreaterThanOrEqual(mv)
}
