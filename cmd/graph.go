// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var graphOutput string

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "render the cluster trust topology as a DOT graph",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		store := buildTrustStore(cmd.Context(), m)

		if graphOutput == "-" {
			dot, err := store.ExportDOT()
			if err != nil {
				return err
			}

			fmt.Println(dot)

			return nil
		}

		if err := store.WriteDOT(graphOutput); err != nil {
			return err
		}

		log.Infof("trust graph written to %s", graphOutput)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", "trust.dot",
		"file to write the DOT graph to, - for stdout")
}
