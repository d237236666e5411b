// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cert

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/utils"
)

// Route is one local-to-remote file mapping with the mode the file gets
// after landing. Key material travels at 0600, public certificates at 0644.
type Route struct {
	Local  string
	Remote string
	Mode   string
}

const (
	modeKey    = "0600"
	modePublic = "0644"
)

// Resolve maps a logical artifact name to its transfer routes. CA-internal
// names resolve to nothing on purpose: the root CA never leaves this host
// and the chain travels inside the kubernetes-ca bundle. Unknown names also
// resolve to nothing so ledger entries from newer versions are skipped, not
// fatal.
func Resolve(name, remoteDir string) []Route {
	switch {
	case name == IntermediateCAName:
		base := filepath.Join(CertsDir, IntermediateCADirName)
		return []Route{
			{Local: filepath.Join(base, CAChainFileName), Remote: path.Join(remoteDir, CAChainFileName), Mode: modePublic},
			{Local: filepath.Join(base, CAKeyFileName), Remote: path.Join(remoteDir, IntermediateCAName+KeySuffix), Mode: modeKey},
			{Local: filepath.Join(base, CACertFileName), Remote: path.Join(remoteDir, IntermediateCAName+CertSuffix), Mode: modePublic},
		}

	case name == APIServerName, name == ControllerManagerName, name == SchedulerName,
		name == KubeletClientName, name == AdminName:
		return pairRoutes(name, remoteDir)

	case name == ServiceAccountName:
		base := filepath.Join(CertsDir, ServiceAccountDirName)
		return []Route{
			{Local: filepath.Join(base, SAKeyFileName), Remote: path.Join(remoteDir, SAKeyFileName), Mode: modeKey},
			{Local: filepath.Join(base, SAPubFileName), Remote: path.Join(remoteDir, SAPubFileName), Mode: modePublic},
		}

	case IsNodeName(name):
		return pairRoutes(name, remoteDir)

	case IsKubeconfigName(name):
		file := strings.TrimPrefix(name, kubeconfigPrefix)
		return []Route{
			{Local: filepath.Join(KubeconfigDir, file), Remote: path.Join("/etc/kubernetes", file), Mode: modePublic},
		}

	case name == EncryptionConfigName:
		return []Route{
			{Local: EncryptionConfigFileName, Remote: path.Join(remoteDir, EncryptionConfigFileName), Mode: modeKey},
		}

	case name == RootCAName, name == CAChainName:
		return nil

	default:
		log.Warnf("unknown artifact %q, skipping copy", name)
		return nil
	}
}

// pairRoutes maps a certificate/key pair into the remote directory under the
// artifact's own name.
func pairRoutes(name, remoteDir string) []Route {
	return []Route{
		{Local: CertPath(name), Remote: path.Join(remoteDir, name+CertSuffix), Mode: modePublic},
		{Local: KeyPath(name), Remote: path.Join(remoteDir, name+KeySuffix), Mode: modeKey},
	}
}

// DistributorOptions carries the remote-access settings of a Distributor.
type DistributorOptions struct {
	RemoteUser   string
	RemoteDir    string
	SSHKeyPath   string
	ExtraSSHArgs []string
}

// Distributor ships artifacts to cluster hosts over scp and finalizes them
// with sudo on the remote side. It needs passwordless key auth and NOPASSWD
// sudo for the remote user.
type Distributor struct {
	runner  exec.Runner
	baseDir string
	opts    DistributorOptions
}

func NewDistributor(baseDir string, runner exec.Runner, opts DistributorOptions) (*Distributor, error) {
	if opts.RemoteUser == "" || opts.RemoteDir == "" {
		return nil, errors.New("distributor needs a remote user and a remote directory")
	}

	opts.SSHKeyPath = utils.ExpandHome(opts.SSHKeyPath)

	return &Distributor{
		runner:  runner,
		baseDir: baseDir,
		opts:    opts,
	}, nil
}

// sshArgs builds the common ssh/scp argument prefix: identity, batch mode
// and short connect timeout so a dead host fails fast instead of hanging a
// distribution sweep.
func (d *Distributor) sshArgs() []string {
	args := []string{
		"-i", d.opts.SSHKeyPath,
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=5",
		"-o", "StrictHostKeyChecking=no",
	}

	return append(args, d.opts.ExtraSSHArgs...)
}

func (d *Distributor) target(host string) string {
	return fmt.Sprintf("%s@%s", d.opts.RemoteUser, host)
}

// EnsureRemoteDirectory creates the remote PKI directory on host.
func (d *Distributor) EnsureRemoteDirectory(ctx context.Context, host string) error {
	log.Debugf("ensuring remote directory %s exists on %s", d.opts.RemoteDir, host)

	args := append([]string{"ssh"}, d.sshArgs()...)
	args = append(args, d.target(host), fmt.Sprintf("sudo mkdir -p %s", d.opts.RemoteDir))

	res, err := d.runner.Run(ctx, exec.NewExecCmdFromSlice(args))
	if err != nil {
		return &DistributionError{Host: host, Path: d.opts.RemoteDir, Err: err}
	}
	if !res.Success() {
		return &DistributionError{
			Host:   host,
			Path:   d.opts.RemoteDir,
			Stderr: strings.TrimSpace(res.GetStdErrString()),
			Err:    errors.Errorf("mkdir exited with code %d", res.GetReturnCode()),
		}
	}

	return nil
}

// copyWithSudo lands one route on host: scp to a uniquely named temp file,
// then a single remote session moves it into place, fixes ownership and
// mode, and clears the temp file even if the move failed.
func (d *Distributor) copyWithSudo(ctx context.Context, host string, route Route) error {
	local := filepath.Join(d.baseDir, route.Local)
	if !utils.FileExists(local) {
		return &DistributionError{Host: host, Path: route.Local, Err: errors.New("local file missing")}
	}

	tmp := fmt.Sprintf("/tmp/%s.%s", filepath.Base(route.Local), uuid.New().String())

	scpArgs := append([]string{"scp"}, d.sshArgs()...)
	scpArgs = append(scpArgs, local, fmt.Sprintf("%s:%s", d.target(host), tmp))

	res, err := d.runner.Run(ctx, exec.NewExecCmdFromSlice(scpArgs))
	if err != nil {
		return &DistributionError{Host: host, Path: route.Local, Err: err}
	}
	if !res.Success() {
		return &DistributionError{
			Host:   host,
			Path:   route.Local,
			Stderr: strings.TrimSpace(res.GetStdErrString()),
			Err:    errors.Errorf("scp exited with code %d", res.GetReturnCode()),
		}
	}

	remoteCmd := fmt.Sprintf(
		"sudo mkdir -p %s && sudo mv %s %s && sudo chown root:root %s && sudo chmod %s %s; rm -f %s",
		path.Dir(route.Remote), tmp, route.Remote, route.Remote, route.Mode, route.Remote, tmp,
	)

	sshArgs := append([]string{"ssh"}, d.sshArgs()...)
	sshArgs = append(sshArgs, d.target(host), remoteCmd)

	res, err = d.runner.Run(ctx, exec.NewExecCmdFromSlice(sshArgs))
	if err != nil {
		return &DistributionError{Host: host, Path: route.Remote, Err: err}
	}
	if !res.Success() {
		return &DistributionError{
			Host:   host,
			Path:   route.Remote,
			Stderr: strings.TrimSpace(res.GetStdErrString()),
			Err:    errors.Errorf("remote install exited with code %d", res.GetReturnCode()),
		}
	}

	log.Debugf("installed %s as %s on %s (mode %s)", route.Local, route.Remote, host, route.Mode)

	return nil
}

// DistributeToHost copies every route of a logical artifact to one host.
// Zero-route names succeed without touching the network.
func (d *Distributor) DistributeToHost(ctx context.Context, name, host string) error {
	routes := Resolve(name, d.opts.RemoteDir)
	if len(routes) == 0 {
		return nil
	}

	log.Infof("copying %s to %s", name, host)

	if err := d.EnsureRemoteDirectory(ctx, host); err != nil {
		return err
	}

	for _, route := range routes {
		if err := d.copyWithSudo(ctx, host, route); err != nil {
			return err
		}
	}

	return nil
}

// Distribute ships an artifact to each host in turn. Hosts fail
// independently; the returned error names every host that did not receive
// all its files, and is nil only on full success.
func (d *Distributor) Distribute(ctx context.Context, name string, hosts []string) error {
	var failed []string

	for _, host := range hosts {
		if err := d.DistributeToHost(ctx, name, host); err != nil {
			log.Errorf("failed to distribute %s to %s: %v", name, host, err)
			failed = append(failed, host)
		}
	}

	if len(failed) > 0 {
		return errors.Errorf("distribution of %s failed on hosts: %s", name, strings.Join(failed, ", "))
	}

	return nil
}
