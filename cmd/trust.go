// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/certfleet/certfleet/app"
	"github.com/certfleet/certfleet/discovery"
	"github.com/certfleet/certfleet/exec"
)

// trustCmd represents the trust command
var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "validate per-node trust chains from local certificate state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		store := buildTrustStore(cmd.Context(), m)

		return printTrust(m, store)
	},
}

// buildTrustStore scans the working directory, attributes every discovered
// certificate to the hosts its ledger record routes it to, and chain-checks
// each host's batch. CA material distributed cluster-wide lands in every
// batch through its own routes, so leaves and their issuers meet in the same
// validation pass.
func buildTrustStore(ctx context.Context, m *app.Manager) *discovery.TrustStore {
	store := discovery.NewTrustStore(exec.NewHostRunner())

	certs := discovery.NewScanner().Discover(m.BaseDir())

	perHost := map[string][]discovery.CertificateInfo{}

	for i := range certs {
		c := certs[i]

		rec, ok := m.Record(discovery.DetermineCertType(&c))
		if !ok {
			continue
		}

		for _, h := range rec.Hosts {
			perHost[h] = append(perHost[h], c)
		}
	}

	cfg := m.Config()

	for _, host := range cfg.Hosts() {
		batch, ok := perHost[host]
		if !ok {
			continue
		}

		store.ValidateNodeTrust(ctx, host, batch)
	}

	return store
}

func printTrust(m *app.Manager, store *discovery.TrustStore) error {
	if format == "json" {
		b, err := json.MarshalIndent(store.Contents(), "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))

		return nil
	}

	cfg := m.Config()

	var tabData [][]string

	for _, host := range cfg.Hosts() {
		info, ok := store.Get(host)
		if !ok {
			continue
		}

		chain := "valid"
		if !info.TrustChainValid {
			chain = "BROKEN"
		}

		tabData = append(tabData, []string{
			host,
			strconv.Itoa(len(info.Certificates)),
			chain,
			strings.Join(info.ExpiringSoon, ", "),
			humanize.Time(info.LastChecked),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Node", "Certs", "Chain", "Expiring Soon", "Last Checked"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(tabData)
	table.Render()

	return nil
}

func init() {
	rootCmd.AddCommand(trustCmd)
}
