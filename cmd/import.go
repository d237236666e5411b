// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/certfleet/certfleet/discovery"
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import [dir]...",
	Short: "scan directories and adopt found certificates into the ledger",
	RunE: func(_ *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		paths := args
		if len(paths) == 0 {
			paths = []string{workDir}
		}

		certs := discovery.NewScanner().Discover(paths...)

		added, refreshed, err := m.ImportDiscovered(certs)
		if err != nil {
			return err
		}

		log.Infof("import finished, %d new record(s), %d refreshed", added, refreshed)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
