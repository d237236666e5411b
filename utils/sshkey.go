// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ExpandHome expands a leading ~ in path to the current user's home directory.
// The path is returned unchanged when expansion fails or is not needed.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		log.Debugf("failed to expand %s: %v", path, err)
		return path
	}

	return filepath.Clean(expanded)
}

// CheckSSHKey verifies that the private key at path exists and parses as an
// openssh private key. Passphrase-protected keys are reported as an error since
// all ssh invocations run with BatchMode=yes and cannot prompt.
func CheckSSHKey(path string) error {
	path = ExpandHome(path)

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ssh key %s: %v", path, err)
	}

	if _, err := ssh.ParsePrivateKey(b); err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return fmt.Errorf("ssh key %s is passphrase protected and cannot be used in batch mode", path)
		}
		return fmt.Errorf("ssh key %s: %v", path, err)
	}

	return nil
}
