// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"github.com/spf13/cobra"
)

// distributeCmd represents the distribute command
var distributeCmd = &cobra.Command{
	Use:   "distribute [artifact]...",
	Short: "copy generated artifacts to the hosts that need them",
	Long: "copy generated artifacts to the hosts recorded in the ledger\n" +
		"without arguments every artifact still pending distribution is shipped;\n" +
		"with arguments only the named artifacts are, whether pending or not",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		if len(args) > 0 {
			return m.DistributeNames(cmd.Context(), args)
		}

		return m.DistributePending(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(distributeCmd)
}
