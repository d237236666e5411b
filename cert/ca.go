// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	certfleeterrors "github.com/certfleet/certfleet/errors"
	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/utils"
)

// Operations drives the openssl pipeline against the local certificate
// layout rooted at baseDir. All Config output directories and ledger paths
// are relative to that root.
type Operations struct {
	runner  exec.Runner
	tracker *Tracker
	baseDir string
}

func NewOperations(baseDir string, runner exec.Runner, tracker *Tracker) *Operations {
	return &Operations{
		runner:  runner,
		tracker: tracker,
		baseDir: baseDir,
	}
}

// Tracker exposes the ledger the operations record into.
func (o *Operations) Tracker() *Tracker {
	return o.tracker
}

// abs anchors a layout-relative path at the working root.
func (o *Operations) abs(rel string) string {
	return filepath.Join(o.baseDir, rel)
}

// GenerateCert runs the key, CSR and signing stages for one certificate.
// Files are named after name inside cc.OutputDir; the CSR keeps its fixed
// bare filename. Self-signed kinds sign with their own key, everything else
// with the CA pair found in caDir.
func (o *Operations) GenerateCert(ctx context.Context, name, caDir string, cc *Config) error {
	log.Infof("generating certificate for %s", name)

	outDir := o.abs(cc.OutputDir)
	utils.CreateDirectory(outDir, 0o755)

	keyPath := filepath.Join(outDir, name+KeySuffix)
	csrPath := filepath.Join(outDir, CSRName)
	certPath := filepath.Join(outDir, name+CertSuffix)

	var caCert, caKey string
	if cc.Kind.SelfSigned() {
		caCert, caKey = keyPath, keyPath
	} else {
		caCert = filepath.Join(o.abs(caDir), CACertFileName)
		caKey = filepath.Join(o.abs(caDir), CAKeyFileName)
	}

	if err := o.GenerateKey(ctx, keyPath, cc.KeySize); err != nil {
		return &GenerationError{Stage: StageKey, Name: name, Err: err}
	}

	if err := o.GenerateCSR(ctx, cc, keyPath, csrPath); err != nil {
		return &GenerationError{Stage: StageCSR, Name: name, Err: err}
	}

	log.Debugf("signing %s with ca_cert=%s ca_key=%s", certPath, caCert, caKey)

	if err := o.SignCertificate(ctx, cc, csrPath, certPath, caCert, caKey); err != nil {
		return &GenerationError{Stage: StageSign, Name: name, Err: err}
	}

	return nil
}

// SetupCAChain builds the two-tier CA hierarchy: a self-signed root, an
// intermediate signed by it, and the root-first chain bundle. The call is
// idempotent while all CA files are present; a failure removes whatever the
// run created so a retry starts from a clean slate. hosts is recorded as the
// distribution target set of the intermediate artifacts.
func (o *Operations) SetupCAChain(ctx context.Context, hosts []string) error {
	rootDir := filepath.Join(CertsDir, RootCADirName)
	interDir := filepath.Join(CertsDir, IntermediateCADirName)

	if o.caChainComplete() {
		log.Infof("CA hierarchy already present, skipping generation")
		return nil
	}

	done := false
	defer func() {
		if !done {
			o.removeCADirs(rootDir, interDir)
		}
	}()

	if err := o.initSigningDB(rootDir); err != nil {
		return err
	}

	log.Info("generating root CA certificate")

	rootCfg := &Config{
		Kind:         RootCA,
		CommonName:   "Kubernetes Root CA",
		Organization: "Kubernetes",
		ValidityDays: CAValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    rootDir,
		KeyUsage:     []string{"critical", "keyCertSign", "cRLSign"},
	}
	if err := o.GenerateCert(ctx, "ca", rootDir, rootCfg); err != nil {
		return err
	}

	if !utils.FileExists(o.abs(RootCACertPath())) || !utils.FileExists(filepath.Join(o.abs(rootDir), CAKeyFileName)) {
		return errors.Wrap(certfleeterrors.ErrCANotFound, "root CA files not generated properly")
	}

	log.Info("generating intermediate CA certificate")

	interCfg := &Config{
		Kind:         IntermediateCA,
		CommonName:   "kubernetes-ca",
		Organization: "Kubernetes",
		ValidityDays: CAValidityDays,
		KeySize:      DefaultKeySize,
		OutputDir:    interDir,
		KeyUsage:     []string{"critical", "keyCertSign", "cRLSign"},
	}
	if err := o.GenerateCert(ctx, "ca", rootDir, interCfg); err != nil {
		return err
	}

	if err := o.createCAChain(); err != nil {
		return err
	}

	log.Info("verifying CA hierarchy")

	if err := o.VerifyCertificate(ctx, o.abs(RootCACertPath()), ""); err != nil {
		return &GenerationError{Stage: StageVerify, Name: RootCAName, Err: err}
	}
	if err := o.VerifyCertificate(ctx, o.abs(IntermediateCACertPath()), o.abs(RootCACertPath())); err != nil {
		return &GenerationError{Stage: StageVerify, Name: IntermediateCAName, Err: err}
	}

	o.tracker.Upsert(RootCAName, RootCACertPath(), hosts)
	o.tracker.Upsert(IntermediateCAName, IntermediateCACertPath(), hosts)
	o.tracker.Upsert(CAChainName, CAChainPath(), hosts)
	o.tracker.MarkVerified(RootCAName, true)
	o.tracker.MarkVerified(IntermediateCAName, true)
	o.tracker.MarkVerified(CAChainName, true)

	done = true

	log.Info("CA hierarchy generated successfully")

	return nil
}

// caChainComplete reports whether every file of the CA hierarchy exists.
func (o *Operations) caChainComplete() bool {
	files := []string{
		RootCACertPath(),
		filepath.Join(CertsDir, RootCADirName, CAKeyFileName),
		IntermediateCACertPath(),
		filepath.Join(CertsDir, IntermediateCADirName, CAKeyFileName),
		CAChainPath(),
	}

	for _, f := range files {
		if !utils.FileExists(o.abs(f)) {
			return false
		}
	}

	return true
}

// initSigningDB seeds the openssl serial and index files of a CA directory
// when they are absent.
func (o *Operations) initSigningDB(caDir string) error {
	dir := o.abs(caDir)
	utils.CreateDirectory(dir, 0o755)

	serial := filepath.Join(dir, CASerialFileName)
	if !utils.FileExists(serial) {
		if err := os.WriteFile(serial, []byte(caInitialSerial), 0o644); err != nil {
			return err
		}
	}

	index := filepath.Join(dir, CAIndexFileName)
	if !utils.FileExists(index) {
		if err := os.WriteFile(index, nil, 0o644); err != nil {
			return err
		}
	}

	return nil
}

// createCAChain bundles the hierarchy into the chain file, root first.
func (o *Operations) createCAChain() error {
	log.Info("creating CA chain bundle")

	err := utils.ConcatFiles(
		o.abs(CAChainPath()),
		o.abs(RootCACertPath()),
		o.abs(IntermediateCACertPath()),
	)
	if err != nil {
		return &GenerationError{Stage: StageChain, Name: CAChainName, Err: err}
	}

	return nil
}

// removeCADirs discards partially built CA directories.
func (o *Operations) removeCADirs(dirs ...string) {
	for _, dir := range dirs {
		if err := os.RemoveAll(o.abs(dir)); err != nil {
			log.Warnf("failed to remove %s: %v", dir, err)
		}
	}
}

// ResetCADirs returns both CA directories to their pre-generation state:
// fresh serial and index files, no key, certificate or request material.
// Ledger entries are left alone so regeneration history stays visible.
func (o *Operations) ResetCADirs() error {
	log.Info("resetting CA directories")

	for _, caDir := range []string{
		filepath.Join(CertsDir, RootCADirName),
		filepath.Join(CertsDir, IntermediateCADirName),
	} {
		dir := o.abs(caDir)
		if !utils.DirExists(dir) {
			continue
		}

		if err := o.cleanCADir(dir); err != nil {
			return errors.Wrapf(err, "failed to reset %s", caDir)
		}
	}

	return nil
}

// cleanCADir rewrites the signing database and removes generated artifacts
// in one CA directory. The bare CSR filename is matched explicitly since it
// carries no extension.
func (o *Operations) cleanCADir(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, CASerialFileName), []byte(caInitialSerial), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, CAIndexFileName), nil, 0o644); err != nil {
		return err
	}

	for _, old := range []string{CASerialFileName + ".old", CAIndexFileName + ".old"} {
		p := filepath.Join(dir, old)
		if utils.FileExists(p) {
			if err := os.Remove(p); err != nil {
				return err
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		switch filepath.Ext(name) {
		case ".pem", ".key", ".crt", ".csr", ".srl":
		default:
			if name != CSRName {
				continue
			}
		}

		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	log.Debugf("reset signing state in %s", dir)

	return nil
}
