// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/certfleet/certfleet/discovery"
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover [dir]...",
	Short: "scan directories for certificates and report what was found",
	RunE: func(_ *cobra.Command, args []string) error {
		paths := args
		if len(paths) == 0 {
			paths = []string{workDir}
		}

		certs := discovery.NewScanner().Discover(paths...)

		return printDiscovered(certs)
	},
}

func printDiscovered(certs []discovery.CertificateInfo) error {
	if format == "json" {
		b, err := json.MarshalIndent(certs, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))

		return nil
	}

	tabData := make([][]string, 0, len(certs))

	for i := range certs {
		c := &certs[i]

		ca := ""
		if c.IsCA {
			ca = "yes"
		}

		tabData = append(tabData, []string{
			c.Path,
			c.Subject,
			discovery.DetermineCertType(c),
			humanize.Time(c.NotAfter),
			ca,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Subject", "Type", "Expires", "CA"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(tabData)
	table.Render()

	return nil
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}
