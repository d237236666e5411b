// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	certfleeterrors "github.com/certfleet/certfleet/errors"
	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/utils"
)

const opensslBin = "openssl"

// run executes one openssl invocation and folds a non-zero exit status into
// an error carrying the command line and stderr.
func (o *Operations) run(ctx context.Context, args ...string) (*exec.ExecResult, error) {
	cmd := exec.NewExecCmdFromSlice(append([]string{opensslBin}, args...))

	res, err := o.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if !res.Success() {
		return res, errors.Errorf("%q exited with code %d: %s",
			res.GetCmdString(), res.GetReturnCode(), strings.TrimSpace(res.GetStdErrString()))
	}

	return res, nil
}

// GenerateKey creates an RSA private key at keyPath and restricts it to
// owner read/write.
func (o *Operations) GenerateKey(ctx context.Context, keyPath string, bits int) error {
	log.Debugf("generating private key %s", keyPath)

	utils.EnsureParentDirectory(keyPath, 0o755)

	if _, err := o.run(ctx, "genrsa", "-out", keyPath, strconv.Itoa(bits)); err != nil {
		return errors.Wrapf(err, "failed to generate private key %s", keyPath)
	}

	return os.Chmod(keyPath, 0o600)
}

// GenerateCSR creates a signing request for cc at csrPath. The openssl
// request config is written next to the CSR and removed once the command
// returns, success or not.
func (o *Operations) GenerateCSR(ctx context.Context, cc *Config, keyPath, csrPath string) error {
	log.Debugf("generating CSR %s", csrPath)

	if !utils.FileExists(keyPath) {
		return errors.Wrapf(os.ErrNotExist, "private key %s", keyPath)
	}

	cnfPath := csrPath + ".cnf"
	if err := os.WriteFile(cnfPath, []byte(renderCSRConfig(cc)), 0o644); err != nil {
		return err
	}
	defer os.Remove(cnfPath)

	if _, err := o.run(ctx,
		"req", "-new",
		"-key", keyPath,
		"-out", csrPath,
		"-config", cnfPath,
		"-batch",
	); err != nil {
		return errors.Wrapf(err, "failed to generate CSR %s", csrPath)
	}

	return nil
}

// SignCertificate signs csrPath into certPath. Root CA configs self-sign with
// their own key, anything else is signed by the CA pair at caCert/caKey. The
// x509 extensions file is transient like the CSR config.
func (o *Operations) SignCertificate(ctx context.Context, cc *Config, csrPath, certPath, caCert, caKey string) error {
	if !cc.Kind.SelfSigned() {
		if !utils.FileExists(caCert) {
			return errors.Wrapf(certfleeterrors.ErrCANotFound, "CA certificate %s", caCert)
		}
		if !utils.FileExists(caKey) {
			return errors.Wrapf(certfleeterrors.ErrCANotFound, "CA key %s", caKey)
		}
	}

	log.Debugf("signing certificate %s", certPath)

	extPath := certPath + ".ext"
	if err := os.WriteFile(extPath, []byte(renderExtensionsFile(cc)), 0o644); err != nil {
		return err
	}
	defer os.Remove(extPath)

	args := []string{"x509", "-req"}
	if cc.Kind.SelfSigned() {
		args = append(args, "-signkey", caKey)
	} else {
		args = append(args, "-CA", caCert, "-CAkey", caKey, "-CAcreateserial")
	}
	args = append(args,
		"-in", csrPath,
		"-out", certPath,
		"-days", strconv.Itoa(cc.ValidityDays),
		"-extfile", extPath,
	)

	if _, err := o.run(ctx, args...); err != nil {
		return errors.Wrapf(err, "failed to sign certificate %s", certPath)
	}

	return nil
}

// VerifyCertificate checks that certPath parses as an x509 certificate and,
// when caCert is non-empty, that it chains to that CA.
func (o *Operations) VerifyCertificate(ctx context.Context, certPath, caCert string) error {
	log.Debugf("verifying certificate %s", certPath)

	if _, err := o.run(ctx, "x509", "-in", certPath, "-noout", "-text"); err != nil {
		return errors.Wrapf(err, "certificate integrity check failed for %s", certPath)
	}

	if caCert != "" {
		if _, err := o.run(ctx, "verify", "-CAfile", caCert, certPath); err != nil {
			return errors.Wrapf(err, "certificate chain verification failed for %s", certPath)
		}
	}

	return nil
}

// GenerateServiceAccountKeypair creates the service-account token signing
// keypair: an RSA private key and its extracted public half.
func (o *Operations) GenerateServiceAccountKeypair(ctx context.Context, keyPath, pubPath string) error {
	log.Debugf("generating service account keypair %s / %s", keyPath, pubPath)

	utils.EnsureParentDirectory(keyPath, 0o755)

	if _, err := o.run(ctx,
		"genpkey",
		"-algorithm", "RSA",
		"-out", keyPath,
		"-pkeyopt", fmt.Sprintf("rsa_keygen_bits:%d", DefaultKeySize),
	); err != nil {
		return errors.Wrap(err, "failed to generate service account private key")
	}

	if err := os.Chmod(keyPath, 0o600); err != nil {
		return err
	}

	if _, err := o.run(ctx, "rsa", "-in", keyPath, "-pubout", "-out", pubPath); err != nil {
		return errors.Wrap(err, "failed to extract service account public key")
	}

	return nil
}

// renderCSRConfig emits the openssl request config for cc. The section and
// key order is fixed; signed key usages come from the extensions file, not
// the v3_req block here.
func renderCSRConfig(cc *Config) string {
	var b strings.Builder

	b.WriteString("[req]\n")
	b.WriteString("req_extensions = v3_req\n")
	b.WriteString("distinguished_name = req_distinguished_name\n")
	b.WriteString("prompt = no\n\n")

	b.WriteString("[req_distinguished_name]\n")
	fmt.Fprintf(&b, "CN = %s\n", cc.CommonName)

	org := cc.Organization
	if org == "" {
		org = "Kubernetes"
	}
	fmt.Fprintf(&b, "O = %s\n", org)

	if cc.Country != "" {
		fmt.Fprintf(&b, "C = %s\n", cc.Country)
	}
	if cc.State != "" {
		fmt.Fprintf(&b, "ST = %s\n", cc.State)
	}
	if cc.Locality != "" {
		fmt.Fprintf(&b, "L = %s\n", cc.Locality)
	}

	b.WriteString("\n[v3_req]\n")
	b.WriteString("basicConstraints = CA:FALSE\n")
	b.WriteString("keyUsage = nonRepudiation, digitalSignature, keyEncipherment\n")

	renderAltNames(&b, cc.AltNames)

	return b.String()
}

// renderExtensionsFile emits the x509 signing extensions for cc.
func renderExtensionsFile(cc *Config) string {
	var b strings.Builder

	if cc.Kind.IsCA() {
		b.WriteString("basicConstraints = critical,CA:TRUE\n")
	} else {
		b.WriteString("basicConstraints = critical,CA:FALSE\n")
	}

	if len(cc.KeyUsage) > 0 {
		fmt.Fprintf(&b, "keyUsage = %s\n", strings.Join(cc.KeyUsage, ", "))
	}

	if len(cc.ExtKeyUsage) > 0 {
		fmt.Fprintf(&b, "extendedKeyUsage = %s\n", strings.Join(cc.ExtKeyUsage, ", "))
	}

	renderAltNames(&b, cc.AltNames)

	return b.String()
}

// renderAltNames appends the subjectAltName reference and alt_names section.
// Entries are partitioned by type and numbered per type; openssl rejects a
// block whose DNS/IP counters have gaps.
func renderAltNames(b *strings.Builder, sans []SAN) {
	if len(sans) == 0 {
		return
	}

	b.WriteString("subjectAltName = @alt_names\n\n[alt_names]\n")

	dns, ips := partitionSANs(sans)
	for i, name := range dns {
		fmt.Fprintf(b, "DNS.%d = %s\n", i+1, name)
	}
	for i, addr := range ips {
		fmt.Fprintf(b, "IP.%d = %s\n", i+1, addr)
	}
}
