// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

// Package app ties the certificate pipelines, the distribution transport and
// the tracking ledger together behind one orchestration manager. The web
// server and the CLI both drive the subsystem through it.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/certfleet/certfleet/cert"
	"github.com/certfleet/certfleet/config"
	"github.com/certfleet/certfleet/discovery"
	certfleeterrors "github.com/certfleet/certfleet/errors"
	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/kubeconfig"
	"github.com/certfleet/certfleet/utils"
)

// Minimum tool versions the pipelines are known to work with. openssl below
// the minimum is fatal; an old kubectl only degrades kubeconfig generation
// and is reported as a warning.
const (
	minOpenSSLVersion = "1.1.1"
	minKubectlVersion = "1.20.0"
)

const taskQueueSize = 8

// Manager owns the lifecycle state: the cluster topology, the ledger and
// the transports. Reads take the lock briefly; pipelines run against a
// ledger clone and commit it back, so the lock is never held across a
// subprocess call.
type Manager struct {
	mu      sync.RWMutex
	tracker *cert.Tracker

	baseDir      string
	cfg          *config.Config
	runner       exec.Runner
	distributor  *cert.Distributor
	extraSSHArgs []string

	tasks chan task
}

// New builds a Manager for the given topology. The distribution transport is
// validated here so a broken config fails before any pipeline starts.
func New(baseDir string, cfg *config.Config, runner exec.Runner) (*Manager, error) {
	extra, err := cfg.ExtraSSHArgList()
	if err != nil {
		return nil, err
	}

	dist, err := cert.NewDistributor(baseDir, runner, cert.DistributorOptions{
		RemoteUser:   cfg.RemoteUser,
		RemoteDir:    cfg.RemoteDir,
		SSHKeyPath:   cfg.SSHKeyPath,
		ExtraSSHArgs: extra,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		tracker:      cert.NewTracker(),
		baseDir:      baseDir,
		cfg:          cfg,
		runner:       runner,
		distributor:  dist,
		extraSSHArgs: extra,
		tasks:        make(chan task, taskQueueSize),
	}, nil
}

func (m *Manager) abs(rel string) string {
	return filepath.Join(m.baseDir, rel)
}

// BaseDir returns the local working root of the certificate layout.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Config returns a copy of the cluster topology.
func (m *Manager) Config() config.Config {
	cfg := *m.cfg
	cfg.WorkerNodes = append([]string(nil), m.cfg.WorkerNodes...)

	return cfg
}

// LoadLedger reads certificate_status.json from the working root. A missing
// file is a fresh start, not an error.
func (m *Manager) LoadLedger() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tracker.Load(m.abs(cert.StatusFileName))
}

// SaveLedger persists the ledger to the working root.
func (m *Manager) SaveLedger() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tracker.Save(m.abs(cert.StatusFileName))
}

// Ledger returns a detached snapshot of every tracked record.
func (m *Manager) Ledger() []cert.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clone := m.tracker.Clone()

	out := make([]cert.Record, 0, len(clone.Certificates))
	for _, r := range clone.Certificates {
		out = append(out, *r)
	}

	return out
}

// Record returns a copy of one ledger record by logical name.
func (m *Manager) Record(name string) (cert.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.tracker.Get(name)
	if r == nil {
		return cert.Record{}, false
	}

	cp := *r
	cp.Hosts = append([]string(nil), r.Hosts...)

	return cp, true
}

// Initialize reconciles the loaded ledger against the files on disk and
// logs where the lifecycle stands. Records are not mutated; verification
// owns that.
func (m *Manager) Initialize() {
	records := m.Ledger()

	present := 0
	for _, r := range records {
		if utils.FileExists(m.abs(r.Path)) {
			present++
			continue
		}
		log.Warnf("%s is tracked but %s is missing locally", r.Type, r.Path)
	}

	if len(records) == 0 {
		log.Info("no certificates tracked yet, generate to get started")
		return
	}

	log.Infof("certificate ledger loaded: %d tracked, %d present locally", len(records), present)
}

// withLedger runs one pipeline against a clone of the ledger and commits the
// clone back, even on failure, since partial progress is still progress.
func (m *Manager) withLedger(name string, fn func(tr *cert.Tracker) error) error {
	m.mu.RLock()
	clone := m.tracker.Clone()
	m.mu.RUnlock()

	log.Infof("starting %s", name)

	err := fn(clone)

	m.mu.Lock()
	m.tracker = clone
	m.mu.Unlock()

	if saveErr := m.SaveLedger(); saveErr != nil {
		log.Warnf("failed to persist ledger: %v", saveErr)
	}

	if err != nil {
		log.Errorf("%s failed: %v", name, err)
		return err
	}

	log.Infof("%s finished", name)

	return nil
}

// PreflightTools gates on the local tooling: a usable ssh key and minimum
// openssl/kubectl versions. It returns the detected versions for display.
func (m *Manager) PreflightTools() (openssl, kubectl string, err error) {
	if err := utils.CheckSSHKey(m.cfg.SSHKeyPath); err != nil {
		return "", "", errors.Wrap(err, "ssh key check failed")
	}

	openssl = utils.OpenSSLVersion()
	if !utils.VersionAtLeast(openssl, minOpenSSLVersion) {
		return openssl, "", errors.Errorf("openssl %s or newer required, found %q", minOpenSSLVersion, openssl)
	}

	kubectl = utils.KubectlVersion()
	if !utils.VersionAtLeast(kubectl, minKubectlVersion) {
		log.Warnf("kubectl %s or newer recommended, found %q; kubeconfig generation may fail", minKubectlVersion, kubectl)
	}

	return openssl, kubectl, nil
}

// PreflightConnectivity probes every cluster host over ssh, seeding the
// reachability cache. An unreachable control plane aborts; unreachable
// workers are returned for the caller to warn about.
func (m *Manager) PreflightConnectivity(ctx context.Context, cache *discovery.ConnCache) ([]string, error) {
	var failed []string

	for _, host := range m.cfg.Hosts() {
		if cache.VerifyConnection(ctx, host, m.SSHProbe) {
			log.Infof("ssh connection to %s verified", host)
			continue
		}

		if host == m.cfg.ControlPlane {
			return nil, errors.Wrap(certfleeterrors.ErrControlPlaneUnreachable, host)
		}

		log.Warnf("worker node %s is unreachable", host)
		failed = append(failed, host)
	}

	return failed, nil
}

// SSHProbe checks that host accepts the configured identity and actually
// executes a command.
func (m *Manager) SSHProbe(ctx context.Context, host string) bool {
	args := []string{
		"ssh",
		"-i", utils.ExpandHome(m.cfg.SSHKeyPath),
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=5",
		"-o", "StrictHostKeyChecking=no",
	}
	args = append(args, m.extraSSHArgs...)
	args = append(args,
		fmt.Sprintf("%s@%s", m.cfg.RemoteUser, host),
		"echo 'Connected successfully'",
	)

	res, err := m.runner.Run(ctx, exec.NewExecCmdFromSlice(args))
	if err != nil {
		log.Debugf("ssh probe of %s failed to spawn: %v", host, err)
		return false
	}

	return res.Success()
}

// GenerateCA builds the root and intermediate CA hierarchy. With reset, the
// CA bookkeeping and prior material are wiped first.
func (m *Manager) GenerateCA(ctx context.Context, reset bool) error {
	return m.withLedger("ca generation", func(tr *cert.Tracker) error {
		ops := cert.NewOperations(m.baseDir, m.runner, tr)

		if reset {
			if err := ops.ResetCADirs(); err != nil {
				return err
			}
		}

		return ops.SetupCAChain(ctx, m.cfg.Hosts())
	})
}

// GenerateComponents issues the control plane component certificates and the
// service account keypair.
func (m *Manager) GenerateComponents(ctx context.Context) error {
	return m.withLedger("component certificate generation", func(tr *cert.Tracker) error {
		ops := cert.NewOperations(m.baseDir, m.runner, tr)

		if err := ops.GenerateComponents(ctx, m.cfg.ControlPlane); err != nil {
			return err
		}

		return ops.GenerateServiceAccount(ctx, m.cfg.ControlPlane)
	})
}

// GenerateNodes issues one certificate per configured worker node.
func (m *Manager) GenerateNodes(ctx context.Context) error {
	return m.withLedger("node certificate generation", func(tr *cert.Tracker) error {
		return cert.NewOperations(m.baseDir, m.runner, tr).GenerateNodes(ctx, m.cfg.WorkerNodes)
	})
}

// GenerateKubeconfigs builds the component kubeconfigs with kubectl and,
// when distribute is set, ships them right away.
func (m *Manager) GenerateKubeconfigs(ctx context.Context, distribute bool) error {
	err := m.withLedger("kubeconfig generation", func(tr *cert.Tracker) error {
		gen := kubeconfig.NewGenerator(m.baseDir, m.runner, tr)
		return gen.GenerateAll(ctx, m.cfg.ControlPlane, m.cfg.WorkerNodes)
	})
	if err != nil {
		return err
	}

	if !distribute {
		return nil
	}

	return m.distributePending(ctx, cert.IsKubeconfigName)
}

// GenerateEncryption writes the secrets-at-rest config and, when distribute
// is set, ships it to the control plane.
func (m *Manager) GenerateEncryption(ctx context.Context, distribute bool) error {
	err := m.withLedger("encryption config generation", func(tr *cert.Tracker) error {
		gen := kubeconfig.NewGenerator(m.baseDir, m.runner, tr)
		return gen.GenerateEncryptionConfig([]string{m.cfg.ControlPlane})
	})
	if err != nil {
		return err
	}

	if !distribute {
		return nil
	}

	return m.distributePending(ctx, func(name string) bool {
		return name == cert.EncryptionConfigName
	})
}

// GenerateAll runs the whole pipeline in dependency order and finishes with
// one distribution sweep over everything pending.
func (m *Manager) GenerateAll(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ca", func(ctx context.Context) error { return m.GenerateCA(ctx, false) }},
		{"components", m.GenerateComponents},
		{"nodes", m.GenerateNodes},
		{"kubeconfigs", func(ctx context.Context) error { return m.GenerateKubeconfigs(ctx, false) }},
		{"encryption", func(ctx context.Context) error { return m.GenerateEncryption(ctx, false) }},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return errors.Wrapf(err, "generate all stopped at %s", s.name)
		}
	}

	return m.DistributePending(ctx)
}

// DistributePending ships every artifact that has not reached its hosts yet.
func (m *Manager) DistributePending(ctx context.Context) error {
	return m.distributePending(ctx, nil)
}

func (m *Manager) distributePending(ctx context.Context, match func(string) bool) error {
	return m.withLedger("distribution", func(tr *cert.Tracker) error {
		var failed []string

		for _, r := range tr.PendingDistribution() {
			if match != nil && !match(r.Type) {
				continue
			}

			// the chain bundle travels inside the kubernetes-ca routes and
			// is marked once its carrier lands
			if r.Type == cert.CAChainName {
				continue
			}

			if len(r.Hosts) == 0 {
				log.Debugf("%s has no target hosts, skipping", r.Type)
				continue
			}

			if err := m.distributor.Distribute(ctx, r.Type, r.Hosts); err != nil {
				log.Errorf("distribution of %s failed: %v", r.Type, err)
				failed = append(failed, r.Type)
				continue
			}

			tr.MarkDistributed(r.Type)
			if r.Type == cert.IntermediateCAName {
				tr.MarkDistributed(cert.CAChainName)
			}
		}

		if len(failed) > 0 {
			return errors.Errorf("distribution incomplete for: %s", strings.Join(failed, ", "))
		}

		return nil
	})
}

// DistributeNames ships explicitly named artifacts. Names absent from the
// ledger resolve to nothing and are an error, unlike the pending sweep which
// skips quietly.
func (m *Manager) DistributeNames(ctx context.Context, names []string) error {
	return m.withLedger("distribution", func(tr *cert.Tracker) error {
		for _, name := range names {
			r := tr.Get(name)
			if r == nil {
				return errors.Wrap(certfleeterrors.ErrUnknownRoute, name)
			}

			if r.LocalOnly {
				log.Infof("%s never leaves this host, nothing to distribute", name)
				continue
			}

			if err := m.distributor.Distribute(ctx, name, r.Hosts); err != nil {
				return err
			}

			tr.MarkDistributed(name)
			if name == cert.IntermediateCAName {
				tr.MarkDistributed(cert.CAChainName)
			}
		}

		return nil
	})
}

// Verify runs the local openssl sweep, the service account keypair check and
// the remote fetch-and-verify pass, and returns every outcome.
func (m *Manager) Verify(ctx context.Context) ([]cert.VerificationResult, error) {
	var results []cert.VerificationResult

	err := m.withLedger("verification", func(tr *cert.Tracker) error {
		ops := cert.NewOperations(m.baseDir, m.runner, tr)

		results = ops.VerifyLocal(ctx)

		if err := ops.VerifyServiceAccountKeypair(ctx); err != nil {
			var verr *cert.VerificationError
			if !errors.As(err, &verr) {
				return err
			}
			results = append(results, cert.VerificationResult{
				Name:   verr.Name,
				OK:     false,
				Detail: verr.Detail,
			})
		} else {
			results = append(results, cert.VerificationResult{Name: cert.ServiceAccountName, OK: true})
		}

		results = append(results, ops.VerifyRemote(ctx, m.distributor, m.cfg.Hosts())...)

		return nil
	})

	return results, err
}

// ImportDiscovered folds scanner findings into the ledger. New logical names
// are adopted as records with no distribution targets; names already tracked
// only get their verification state refreshed, the distribution bookkeeping
// of the generation pipelines is never overwritten by a scan.
func (m *Manager) ImportDiscovered(infos []discovery.CertificateInfo) (added, refreshed int, err error) {
	err = m.withLedger("import", func(tr *cert.Tracker) error {
		for i := range infos {
			info := &infos[i]
			name := discovery.DetermineCertType(info)

			path := info.Path
			if rel, rerr := filepath.Rel(m.baseDir, info.Path); rerr == nil && !strings.HasPrefix(rel, "..") {
				path = rel
			}

			if tr.Get(name) == nil {
				tr.Upsert(name, path, nil)
				added++
				log.Infof("imported %s from %s", name, info.Path)
			} else {
				refreshed++
				log.Debugf("refreshed %s from %s", name, info.Path)
			}

			tr.MarkVerified(name, info.VerificationError == "")
		}

		return nil
	})

	return added, refreshed, err
}

// task is one unit of work on the single-flight dispatch queue.
type task struct {
	name string
	run  func(context.Context) error
	done chan error
}

// StartDispatcher launches the worker that serializes pipeline tasks. Two
// concurrent triggers can never run generation against the same CA dir.
func (m *Manager) StartDispatcher(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-m.tasks:
				log.Debugf("dispatching task %s", t.name)
				t.done <- t.run(ctx)
			}
		}
	}()
}

// Dispatch queues a named task and waits for its outcome. The context bounds
// the wait, not the task itself once started.
func (m *Manager) Dispatch(ctx context.Context, name string, run func(context.Context) error) error {
	t := task{name: name, run: run, done: make(chan error, 1)}

	select {
	case m.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
