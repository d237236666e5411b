// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

// Package kubeconfig generates the client configuration files cluster
// components authenticate with. Files are assembled by kubectl itself so
// the output matches whatever config schema the installed kubectl speaks.
package kubeconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/certfleet/certfleet/cert"
	certfleeterrors "github.com/certfleet/certfleet/errors"
	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/utils"
)

const (
	// ClusterName is the cluster entry every generated kubeconfig points at.
	ClusterName = "kubernetes"

	// ContextName is the sole context each kubeconfig carries.
	ContextName = "default"

	// APIServerPort is where kube-apiserver listens on the control plane.
	APIServerPort = 6443

	confSuffix = ".conf"
)

// target couples an artifact with the credential identity embedded in its
// kubeconfig and the hosts that receive the file.
type target struct {
	name     string
	user     string
	certName string
	hosts    []string
}

// Generator drives kubectl config subcommands against the generated
// certificate layout rooted at baseDir.
type Generator struct {
	runner  exec.Runner
	tracker *cert.Tracker
	baseDir string
}

func NewGenerator(baseDir string, runner exec.Runner, tracker *cert.Tracker) *Generator {
	return &Generator{
		runner:  runner,
		tracker: tracker,
		baseDir: baseDir,
	}
}

func (g *Generator) abs(rel string) string {
	return filepath.Join(g.baseDir, rel)
}

// ServerURL returns the API endpoint embedded in every kubeconfig.
func ServerURL(controlPlane string) string {
	return fmt.Sprintf("https://%s:%d", controlPlane, APIServerPort)
}

// GenerateAll produces the kubeconfigs for the admin, the control plane
// components and every worker node, recording each in the ledger. The CA
// chain must exist; the component certificates must have been generated
// before their kubeconfig can embed them.
func (g *Generator) GenerateAll(ctx context.Context, controlPlane string, workerNodes []string) error {
	if !utils.FileExists(g.abs(cert.CAChainPath())) {
		return errors.Wrap(certfleeterrors.ErrCANotFound, "kubeconfig generation needs the CA chain")
	}

	server := ServerURL(controlPlane)

	targets := []target{
		{cert.AdminName, "default-admin", cert.AdminName, []string{controlPlane}},
		{cert.ControllerManagerName, "system:kube-controller-manager", cert.ControllerManagerName, []string{controlPlane}},
		{cert.SchedulerName, "system:kube-scheduler", cert.SchedulerName, []string{controlPlane}},
	}

	for i := range workerNodes {
		name := cert.NodeName(i + 1)
		targets = append(targets, target{
			name:     name,
			user:     "system:node:" + name,
			certName: name,
			hosts:    []string{workerNodes[i]},
		})
	}

	for _, tg := range targets {
		if err := g.Generate(ctx, server, tg); err != nil {
			return err
		}
	}

	log.Infof("generated %d kubeconfigs", len(targets))

	return nil
}

// Generate builds one kubeconfig through the four kubectl config steps:
// set-cluster, set-credentials, set-context, use-context. Certificates are
// embedded so the file is self-contained on the remote host.
func (g *Generator) Generate(ctx context.Context, server string, tg target) error {
	certPath := g.abs(cert.CertPath(tg.certName))
	keyPath := g.abs(cert.KeyPath(tg.certName))

	if !utils.FileExists(certPath) || !utils.FileExists(keyPath) {
		return errors.Errorf("certificate for %s not generated, run certificate generation first", tg.certName)
	}

	utils.CreateDirectory(g.abs(cert.KubeconfigDir), 0o755)

	out := g.abs(filepath.Join(cert.KubeconfigDir, tg.name+confSuffix))
	kubeconfigFlag := "--kubeconfig=" + out

	log.Infof("generating kubeconfig for %s", tg.name)

	steps := [][]string{
		{
			"kubectl", "config", "set-cluster", ClusterName,
			kubeconfigFlag,
			"--server=" + server,
			"--certificate-authority=" + g.abs(cert.CAChainPath()),
			"--embed-certs=true",
		},
		{
			"kubectl", "config", "set-credentials", tg.user,
			kubeconfigFlag,
			"--client-certificate=" + certPath,
			"--client-key=" + keyPath,
			"--embed-certs=true",
		},
		{
			"kubectl", "config", "set-context", ContextName,
			kubeconfigFlag,
			"--cluster=" + ClusterName,
			"--user=" + tg.user,
		},
		{
			"kubectl", "config", "use-context", ContextName,
			kubeconfigFlag,
		},
	}

	for _, step := range steps {
		if err := g.runStep(ctx, tg.name, step); err != nil {
			return err
		}
	}

	ledgerName := cert.KubeconfigName(tg.name)
	g.tracker.Upsert(ledgerName, filepath.Join(cert.KubeconfigDir, tg.name+confSuffix), tg.hosts)
	g.tracker.MarkVerified(ledgerName, true)

	return nil
}

func (g *Generator) runStep(ctx context.Context, name string, argv []string) error {
	res, err := g.runner.Run(ctx, exec.NewExecCmdFromSlice(argv))
	if err != nil {
		return errors.Wrapf(err, "kubectl config %s failed for %s", argv[2], name)
	}

	if !res.Success() {
		return errors.Errorf("kubectl config %s failed for %s: %s",
			argv[2], name, strings.TrimSpace(res.GetStdErrString()))
	}

	return nil
}
