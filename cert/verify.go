// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/utils"
)

// VerificationResult is the outcome of one artifact check.
type VerificationResult struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// VerifyLocal runs the openssl integrity and chain checks over every
// generated certificate present on disk. Absent files are skipped, not
// failed, so a partially generated layout can still be inspected. Outcomes
// are folded back into the ledger.
func (o *Operations) VerifyLocal(ctx context.Context) []VerificationResult {
	log.Info("starting comprehensive certificate verification")

	chain := CAChainPath()

	checks := []struct {
		name string
		path string
		ca   string
	}{
		{RootCAName, RootCACertPath(), ""},
		{IntermediateCAName, IntermediateCACertPath(), RootCACertPath()},
		{APIServerName, CertPath(APIServerName), chain},
		{ControllerManagerName, CertPath(ControllerManagerName), chain},
		{SchedulerName, CertPath(SchedulerName), chain},
		{KubeletClientName, CertPath(KubeletClientName), chain},
		{AdminName, CertPath(AdminName), chain},
	}

	for _, r := range o.tracker.Certificates {
		if IsNodeName(r.Type) {
			checks = append(checks, struct {
				name string
				path string
				ca   string
			}{r.Type, CertPath(r.Type), chain})
		}
	}

	var results []VerificationResult

	for _, c := range checks {
		if !utils.FileExists(o.abs(c.path)) {
			continue
		}

		caPath := ""
		if c.ca != "" {
			caPath = o.abs(c.ca)
		}

		res := VerificationResult{Name: c.name, Path: c.path, OK: true}

		if err := o.VerifyCertificate(ctx, o.abs(c.path), caPath); err != nil {
			res.OK = false
			res.Detail = err.Error()
			log.Errorf("%s verification failed: %v", c.name, err)
		} else {
			log.Infof("%s verified successfully", c.name)
		}

		o.tracker.MarkVerified(c.name, res.OK)
		results = append(results, res)
	}

	return results
}

// VerifyServiceAccountKeypair checks the token-signing key for internal
// consistency and confirms the stored public half actually belongs to it.
func (o *Operations) VerifyServiceAccountKeypair(ctx context.Context) error {
	log.Info("verifying service account key pair")

	keyPath := o.abs(filepath.Join(CertsDir, ServiceAccountDirName, SAKeyFileName))
	pubPath := o.abs(filepath.Join(CertsDir, ServiceAccountDirName, SAPubFileName))

	if !utils.FileExists(keyPath) || !utils.FileExists(pubPath) {
		return &VerificationError{Name: ServiceAccountName, Detail: "keypair not generated"}
	}

	if _, err := o.run(ctx, "rsa", "-in", keyPath, "-check", "-noout"); err != nil {
		return &VerificationError{Name: ServiceAccountName, Detail: err.Error()}
	}

	res, err := o.run(ctx, "rsa", "-in", keyPath, "-pubout", "-outform", "PEM")
	if err != nil {
		return &VerificationError{Name: ServiceAccountName, Detail: err.Error()}
	}

	stored, err := utils.ReadFileContent(pubPath)
	if err != nil {
		return err
	}

	if strings.TrimSpace(res.GetStdOutString()) != strings.TrimSpace(string(stored)) {
		return &VerificationError{Name: ServiceAccountName, Detail: "public key does not match private key"}
	}

	log.Info("service account key pair verified successfully")

	return nil
}

// FetchFromRemote copies one file from host into localPath.
func (d *Distributor) FetchFromRemote(ctx context.Context, host, remotePath, localPath string) error {
	args := append([]string{"scp"}, d.sshArgs()...)
	args = append(args, fmt.Sprintf("%s:%s", d.target(host), remotePath), localPath)

	res, err := d.runner.Run(ctx, exec.NewExecCmdFromSlice(args))
	if err != nil {
		return &DistributionError{Host: host, Path: remotePath, Err: err}
	}
	if !res.Success() {
		return &DistributionError{
			Host:   host,
			Path:   remotePath,
			Stderr: strings.TrimSpace(res.GetStdErrString()),
			Err:    errors.Errorf("scp exited with code %d", res.GetReturnCode()),
		}
	}

	return nil
}

// VerifyRemote spot-checks the distributed control-plane material on each
// host: it fetches the chain bundle and the component certificates back over
// scp and validates them against each other. Hosts and files fail
// independently.
func (o *Operations) VerifyRemote(ctx context.Context, d *Distributor, hosts []string) []VerificationResult {
	log.Info("verifying certificates on remote hosts")

	var results []VerificationResult

	for _, host := range hosts {
		results = append(results, o.verifyHostCertificates(ctx, d, host)...)
	}

	return results
}

func (o *Operations) verifyHostCertificates(ctx context.Context, d *Distributor, host string) []VerificationResult {
	log.Infof("verifying certificates on host %s", host)

	tmpDir, err := os.MkdirTemp("", "cert-verify-"+host+"-")
	if err != nil {
		return []VerificationResult{{Name: host, OK: false, Detail: err.Error()}}
	}
	defer os.RemoveAll(tmpDir)

	files := []struct {
		name string
		ca   string
	}{
		{CAChainFileName, ""},
		{APIServerName + CertSuffix, CAChainFileName},
		{ControllerManagerName + CertSuffix, CAChainFileName},
		{SchedulerName + CertSuffix, CAChainFileName},
	}

	var results []VerificationResult

	for _, f := range files {
		remotePath := path.Join(d.opts.RemoteDir, f.name)
		localPath := filepath.Join(tmpDir, f.name)

		res := VerificationResult{Name: fmt.Sprintf("%s:%s", host, f.name), Path: remotePath, OK: true}

		if err := d.FetchFromRemote(ctx, host, remotePath, localPath); err != nil {
			res.OK = false
			res.Detail = err.Error()
			log.Errorf("failed to fetch %s from %s: %v", f.name, host, err)
			results = append(results, res)
			continue
		}

		caPath := ""
		if f.ca != "" {
			caPath = filepath.Join(tmpDir, f.ca)
		}

		if err := o.VerifyCertificate(ctx, localPath, caPath); err != nil {
			res.OK = false
			res.Detail = err.Error()
			log.Errorf("remote certificate %s on %s failed verification: %v", f.name, host, err)
		}

		results = append(results, res)
	}

	return results
}
