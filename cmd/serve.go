// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/certfleet/certfleet/app"
	"github.com/certfleet/certfleet/cert"
	"github.com/certfleet/certfleet/config"
	"github.com/certfleet/certfleet/discovery"
	certfleeterrors "github.com/certfleet/certfleet/errors"
	"github.com/certfleet/certfleet/exec"
	"github.com/certfleet/certfleet/metrics"
	"github.com/certfleet/certfleet/web"
)

// verifyEvery is how often the serving daemon refreshes the ledger
// verification state for the dashboard.
const verifyEvery = 12 * time.Hour

var (
	serveAddress   string
	collectMetrics bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the cluster dashboard API",
	RunE:  serveFn,
}

func serveFn(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// hook the ring buffer in before anything logs, so startup shows up on
	// the dashboard log feed
	oplog := app.NewOpLog(0)
	log.AddHook(oplog)
	go oplog.Run(ctx)

	cache := discovery.NewConnCache(filepath.Join(workDir, discovery.CacheFileName))
	if err := cache.Load(); err != nil {
		log.Warnf("failed to load ssh cache: %v", err)
	}

	cfg, err := loadOrInitConfig()
	if err != nil {
		return err
	}

	m, err := app.New(workDir, cfg, exec.NewHostRunner())
	if err != nil {
		return err
	}

	if err := m.LoadLedger(); err != nil {
		return err
	}

	m.Initialize()

	if _, _, err := m.PreflightTools(); err != nil {
		return err
	}

	if _, err := m.PreflightConnectivity(ctx, cache); err != nil {
		return err
	}

	cache.StartChecker(ctx, m.SSHProbe)

	m.StartDispatcher(ctx)
	go periodicVerify(ctx, m)

	store := buildTrustStore(ctx, m)
	store.StartPeriodicRevalidation(ctx, discovery.DefaultRevalidationInterval)

	collector := metrics.NewCollector(collectMetrics,
		filepath.Join(workDir, cert.KubeconfigDir, cert.AdminName+".conf"),
		exec.NewHostRunner())

	srv := web.NewServer(m,
		web.WithAddress(serveAddress),
		web.WithConnCache(cache),
		web.WithTrustStore(store),
		web.WithCollector(collector),
		web.WithOpLog(oplog),
	)

	err = srv.Serve(ctx)

	if serr := cache.Save(); serr != nil {
		log.Warnf("failed to save ssh cache: %v", serr)
	}

	if serr := m.SaveLedger(); serr != nil {
		log.Warnf("failed to save certificate ledger: %v", serr)
	}

	return err
}

// loadOrInitConfig reads the cluster config, writing a default template when
// none exists yet. The template is not servable on its own, the operator has
// to fill in the cluster addresses first.
func loadOrInitConfig() (*config.Config, error) {
	path := configFilePath()

	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, certfleeterrors.ErrConfigNotFound) {
			return nil, err
		}

		cfg = config.New()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}

		log.Infof("wrote default cluster config to %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "cluster config %s is not usable", path)
	}

	return cfg, nil
}

// periodicVerify reruns the certificate verification sweep on the manager's
// task queue, keeping the ledger state the dashboard renders from going
// stale between manual verify runs.
func periodicVerify(ctx context.Context, m *app.Manager) {
	ticker := time.NewTicker(verifyEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Dispatch(ctx, "verification", func(ctx context.Context) error {
				_, err := m.Verify(ctx)
				return err
			})
			if err != nil {
				log.Warnf("periodic verification failed: %v", err)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddress, "address", "a", web.DefaultAddress,
		"address to serve the API on")
	serveCmd.Flags().BoolVarP(&collectMetrics, "metrics", "", true,
		"collect control plane metrics through kubectl")
}
