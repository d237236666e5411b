// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

// Package config holds the cluster connection settings certfleet operates
// against: the control plane and worker addresses plus the ssh parameters
// used to reach them.
package config

import (
	"encoding/json"
	"os"

	"github.com/a8m/envsubst"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	certfleeterrors "github.com/certfleet/certfleet/errors"
	"github.com/certfleet/certfleet/utils"
)

// DefaultFileName is the cluster config file looked up in the working
// directory.
const DefaultFileName = "cluster_config.json"

const (
	defaultRemoteUser = "adminuser"
	defaultSSHKeyPath = "~/.ssh/id_rsa"
	defaultRemoteDir  = "/etc/kubernetes/pki"
)

// Config describes the target cluster. The JSON field names are a file
// format contract shared with earlier builds, so config files keep loading
// across versions.
type Config struct {
	// ControlPlane is the address of the control plane host.
	ControlPlane string `json:"control_plane"`
	// WorkerNodes lists worker addresses; ordinals (node-1, node-2, ...)
	// are assigned in slice order.
	WorkerNodes []string `json:"worker_nodes"`
	// RemoteUser is the ssh login user on all hosts.
	RemoteUser string `json:"remote_user"`
	// SSHKeyPath is the private key used for every ssh/scp invocation.
	// A leading ~ is expanded at use time.
	SSHKeyPath string `json:"ssh_key_path"`
	// RemoteDir is where certificate material lands on the hosts.
	RemoteDir string `json:"remote_dir"`
	// ExtraSSHArgs carries additional ssh/scp arguments as one
	// shell-quoted string.
	ExtraSSHArgs string `json:"ssh_extra_args,omitempty"`
}

// New returns a config with the connection defaults filled in. Host
// addresses start empty and come from the operator.
func New() *Config {
	return &Config{
		RemoteUser: defaultRemoteUser,
		SSHKeyPath: defaultSSHKeyPath,
		RemoteDir:  defaultRemoteDir,
	}
}

// Load reads the config file at path. Environment variables referenced in
// the file are expanded before parsing, so keys and addresses can live
// outside the checked-in file. A missing file is reported as
// ErrConfigNotFound for callers that want to fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(certfleeterrors.ErrConfigNotFound, path)
		}

		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	// expand env vars if any
	data, err = envsubst.Bytes(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to expand env vars in %s", path)
	}

	c := New()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	c.setDefaults()

	log.Debugf("loaded cluster config from %s: control plane %q, %d worker nodes",
		path, c.ControlPlane, len(c.WorkerNodes))

	return c, nil
}

// Save writes the config as indented JSON to path.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// setDefaults backfills connection fields that older config files omit.
func (c *Config) setDefaults() {
	if c.RemoteUser == "" {
		c.RemoteUser = defaultRemoteUser
	}

	if c.SSHKeyPath == "" {
		c.SSHKeyPath = defaultSSHKeyPath
	}

	if c.RemoteDir == "" {
		c.RemoteDir = defaultRemoteDir
	}
}

// Hosts returns all cluster addresses, control plane first.
func (c *Config) Hosts() []string {
	hosts := make([]string, 0, len(c.WorkerNodes)+1)

	if c.ControlPlane != "" {
		hosts = append(hosts, c.ControlPlane)
	}

	return append(hosts, c.WorkerNodes...)
}

// ExtraSSHArgList splits ExtraSSHArgs with shell quoting rules.
func (c *Config) ExtraSSHArgList() ([]string, error) {
	if c.ExtraSSHArgs == "" {
		return nil, nil
	}

	args, err := shlex.Split(c.ExtraSSHArgs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ssh_extra_args %q", c.ExtraSSHArgs)
	}

	return args, nil
}

// Validate checks that the config is usable for remote operations: a control
// plane address is set and the ssh private key exists.
func (c *Config) Validate() error {
	if c.ControlPlane == "" {
		return errors.New("control_plane is not set")
	}

	keyPath := utils.ExpandHome(c.SSHKeyPath)
	if !utils.FileExists(keyPath) {
		return errors.Errorf("ssh key not found at %s", c.SSHKeyPath)
	}

	return nil
}
