// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/certfleet/certfleet/discovery"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the certificate ledger and cached host reachability",
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		ledger := m.Ledger()

		if format == "json" {
			b, err := json.MarshalIndent(ledger, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(b))

			return nil
		}

		tabData := make([][]string, 0, len(ledger))

		for _, r := range ledger {
			distributed := "pending"
			switch {
			case r.LocalOnly:
				distributed = "local only"
			case r.Distributed != nil:
				distributed = humanize.Time(r.Distributed.Time)
			}

			verified := ""
			if r.Verified != nil {
				verified = "NO"
				if *r.Verified {
					verified = "yes"
				}
			}

			tabData = append(tabData, []string{
				r.Type,
				humanize.Time(r.Generated.Time),
				distributed,
				verified,
				strings.Join(r.Hosts, ", "),
			})
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Name", "Generated", "Distributed", "Verified", "Hosts"})
		table.SetAutoFormatHeaders(false)
		table.SetAutoWrapText(false)
		table.AppendBulk(tabData)
		table.Render()

		cfg := m.Config()
		printConnectivity(cfg.Hosts())

		return nil
	},
}

// printConnectivity reports the cached ssh reachability per host. The cache
// reflects the last probe, not a live check.
func printConnectivity(hosts []string) {
	cache := discovery.NewConnCache(filepath.Join(workDir, discovery.CacheFileName))
	if err := cache.Load(); err != nil {
		return
	}

	verified := 0
	for _, h := range hosts {
		if cache.IsVerified(h) {
			verified++
		}
	}

	fmt.Printf("hosts reachable (cached): %d/%d\n", verified, len(hosts))
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
