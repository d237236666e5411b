// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	resetCA    bool
	distribute bool
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "generate cluster certificates and derived configuration",
}

var generateCACmd = &cobra.Command{
	Use:   "ca",
	Short: "generate the root and intermediate certificate authorities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		return m.GenerateCA(cmd.Context(), resetCA)
	},
}

var generateComponentsCmd = &cobra.Command{
	Use:   "components",
	Short: "generate control plane component certificates and the service account keypair",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		return m.GenerateComponents(cmd.Context())
	},
}

var generateNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "generate one certificate per worker node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		return m.GenerateNodes(cmd.Context())
	},
}

var generateKubeconfigsCmd = &cobra.Command{
	Use:   "kubeconfigs",
	Short: "generate component kubeconfigs with kubectl",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		return m.GenerateKubeconfigs(cmd.Context(), distribute)
	},
}

var generateEncryptionCmd = &cobra.Command{
	Use:   "encryption",
	Short: "generate the secrets-at-rest encryption config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		return m.GenerateEncryption(cmd.Context(), distribute)
	},
}

var generateAllCmd = &cobra.Command{
	Use:   "all",
	Short: "run the whole pipeline: CAs, components, nodes, kubeconfigs, encryption, distribution",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		if _, _, err := m.PreflightTools(); err != nil {
			return err
		}

		return m.GenerateAll(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.AddCommand(generateCACmd)
	generateCmd.AddCommand(generateComponentsCmd)
	generateCmd.AddCommand(generateNodesCmd)
	generateCmd.AddCommand(generateKubeconfigsCmd)
	generateCmd.AddCommand(generateEncryptionCmd)
	generateCmd.AddCommand(generateAllCmd)

	generateCACmd.Flags().BoolVarP(&resetCA, "reset", "", false,
		"wipe existing CA material and bookkeeping before generating")
	generateKubeconfigsCmd.Flags().BoolVarP(&distribute, "distribute", "", true,
		"distribute generated kubeconfigs right away")
	generateEncryptionCmd.Flags().BoolVarP(&distribute, "distribute", "", true,
		"distribute the encryption config right away")
}
