// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/certfleet/certfleet/app"
	"github.com/certfleet/certfleet/config"
	certfleeterrors "github.com/certfleet/certfleet/errors"
	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/utils"
)

var (
	debug      bool
	configPath string
	workDir    string
	format     string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:               "certfleet",
	Short:             "provision, distribute and verify kubernetes cluster certificates",
	PersistentPreRunE: preRunFn,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the cluster config file (default \"<dir>/"+config.DefaultFileName+"\")")
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "", ".",
		"working directory holding certificates and state files")
	rootCmd.PersistentFlags().StringVarP(&format, "format", "f", "table",
		"output format; one of [table, json]")
}

func preRunFn(_ *cobra.Command, _ []string) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	// json outputs go to stdout, everything else to stderr
	log.SetOutput(os.Stderr)

	if utils.FileExists(".env") {
		if err := godotenv.Load(); err != nil {
			log.Warnf("failed to load .env: %v", err)
		} else {
			log.Debug("loaded environment from .env")
		}
	}

	if format != "table" && format != "json" {
		return errors.Wrapf(certfleeterrors.ErrIncorrectInput, "unknown format %q", format)
	}

	return nil
}

func configFilePath() string {
	if configPath != "" {
		return configPath
	}

	return filepath.Join(workDir, config.DefaultFileName)
}

func loadClusterConfig() (*config.Config, error) {
	cfg, err := config.Load(configFilePath())
	if err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// newManager builds the orchestration manager for one command invocation and
// loads the certificate ledger.
func newManager() (*app.Manager, error) {
	cfg, err := loadClusterConfig()
	if err != nil {
		return nil, err
	}

	m, err := app.New(workDir, cfg, exec.NewHostRunner())
	if err != nil {
		return nil, err
	}

	if err := m.LoadLedger(); err != nil {
		return nil, err
	}

	return m, nil
}
