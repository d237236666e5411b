// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

// Package discovery inspects certificate material already present on disk:
// it scans directories for X.509 files, classifies them with a best-effort
// heuristic, tracks per-node trust state and caches ssh reachability.
package discovery

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CertificateInfo is what discovery extracts from a single certificate file.
// Subject and issuer are RFC 2253 style string renders, the serial is
// uppercase hex and the fingerprint is the SHA-256 digest of the DER bytes
// as colon-separated uppercase hex.
type CertificateInfo struct {
	Path              string     `json:"path"`
	Subject           string     `json:"subject"`
	Issuer            string     `json:"issuer"`
	NotBefore         time.Time  `json:"not_before"`
	NotAfter          time.Time  `json:"not_after"`
	Serial            string     `json:"serial"`
	Fingerprint       string     `json:"fingerprint"`
	IsCA              bool       `json:"is_ca"`
	LastVerified      *time.Time `json:"last_verified,omitempty"`
	VerificationError string     `json:"verification_error,omitempty"`
}

// certFileExtensions are the filename extensions treated as certificate
// candidates during a scan.
var certFileExtensions = map[string]struct{}{
	".crt":  {},
	".pem":  {},
	".cert": {},
}

// Scanner walks directories and parses the certificate files it finds.
type Scanner struct {
	now func() time.Time
}

func NewScanner() *Scanner {
	return &Scanner{now: time.Now}
}

// Discover walks every given directory and returns the certificates that
// parsed. Missing paths and files that fail to parse are logged and skipped,
// they never abort the scan.
func (s *Scanner) Discover(paths ...string) []CertificateInfo {
	var certs []CertificateInfo

	for _, base := range paths {
		fi, err := os.Stat(base)
		if err != nil {
			log.Warnf("skipping %s: %v", base, err)
			continue
		}

		if !fi.IsDir() {
			log.Warnf("skipping %s: not a directory", base)
			continue
		}

		err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warnf("skipping %s: %v", path, err)
				return nil
			}

			if d.IsDir() {
				return nil
			}

			if _, ok := certFileExtensions[filepath.Ext(path)]; !ok {
				return nil
			}

			info, err := s.Analyze(path)
			if err != nil {
				log.Debugf("skipping %s: %v", path, err)
				return nil
			}

			log.Debugf("discovered certificate %s at %s", info.Subject, path)
			certs = append(certs, *info)

			return nil
		})
		if err != nil {
			log.Warnf("scan of %s aborted: %v", base, err)
		}
	}

	log.Infof("certificate discovery complete, %d certificates found", len(certs))

	return certs
}

// Analyze parses one certificate file, PEM or raw DER.
func (s *Scanner) Analyze(path string) (*CertificateInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	der, err := certificateDER(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	now := s.now()

	return &CertificateInfo{
		Path:         path,
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Serial:       strings.ToUpper(hex.EncodeToString(cert.SerialNumber.Bytes())),
		Fingerprint:  Fingerprint(cert.Raw),
		IsCA:         cert.IsCA,
		LastVerified: &now,
	}, nil
}

// certificateDER returns the DER bytes of data, unwrapping the first PEM
// CERTIFICATE block when data is PEM armored.
func certificateDER(data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), "-----BEGIN") {
		return data, nil
	}

	for rest := data; len(rest) > 0; {
		var block *pem.Block

		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		if block.Type == "CERTIFICATE" {
			return block.Bytes, nil
		}
	}

	return nil, errors.New("no CERTIFICATE block found")
}

// Fingerprint renders the SHA-256 digest of der as colon-separated uppercase
// hex, the form shown by openssl x509 -fingerprint.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)

	var b strings.Builder
	for i, by := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{by})))
	}

	return b.String()
}
