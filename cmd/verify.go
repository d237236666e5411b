// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/certfleet/certfleet/cert"
)

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "verify certificate integrity locally and on cluster hosts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		results, err := m.Verify(cmd.Context())
		if err != nil {
			return err
		}

		if err := printVerification(results); err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			if !r.OK {
				failed++
			}
		}

		if failed > 0 {
			return errors.Errorf("%d verification check(s) failed", failed)
		}

		return nil
	},
}

func printVerification(results []cert.VerificationResult) error {
	if format == "json" {
		b, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))

		return nil
	}

	tabData := make([][]string, 0, len(results))

	for _, r := range results {
		status := "OK"
		if !r.OK {
			status = "FAILED"
		}

		tabData = append(tabData, []string{r.Name, r.Path, status, r.Detail})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Path", "Status", "Detail"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(tabData)
	table.Render()

	return nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
