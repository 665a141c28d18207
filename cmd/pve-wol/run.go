/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/gpillon/pve-wol/internal/config"
	"github.com/gpillon/pve-wol/internal/health"
	"github.com/gpillon/pve-wol/internal/pve"
	"github.com/gpillon/pve-wol/internal/wol"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Listen for WOL packets and start the matching VMs",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		setupLog.Error(err, "Invalid configuration", "config", configFile)
		return err
	}

	// Context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	table, _, err := buildMappings(ctx, cfg)
	if err != nil {
		setupLog.Error(err, "Failed to build MAC mapping")
		return err
	}

	starter := pve.NewVMStarter(newRunner(cfg), pve.StarterOptions{
		QMPath:     cfg.Action.QMPath,
		Timeout:    cfg.Action.Timeout,
		Attempts:   cfg.Action.Attempts,
		RetryDelay: cfg.Action.RetryDelay,
	}, ctrl.Log.WithName("starter"))

	dispatcher := wol.NewDispatcher(table, wol.NewDebounceGate(), starter, wol.DispatcherOptions{
		DebounceWindow: cfg.Debounce,
		DryRun:         cfg.DryRun,
	}, ctrl.Log.WithName("dispatcher"))

	listener := wol.NewListener(wol.ListenerOptions{
		BindAddress:   cfg.Bind,
		Ports:         cfg.Ports,
		RawInterfaces: cfg.RawInterfaces,
		PollInterval:  cfg.PollInterval,
		ReadBuffer:    cfg.ReadBuffer,
	}, dispatcher, ctrl.Log.WithName("listener"))

	if cfg.Health.Address != "" {
		server := health.NewServer(cfg.Health.Address, listener, ctrl.Log.WithName("health"))
		go func() {
			if err := server.Run(ctx); err != nil {
				setupLog.Error(err, "Health check server stopped")
			}
		}()
	}

	setupLog.Info("Starting pve-wol",
		"bind", cfg.Bind,
		"ports", cfg.Ports,
		"debounce", cfg.Debounce,
		"dryRun", cfg.DryRun,
		"remote", cfg.SSH.Host,
		"version", Version)

	if err := listener.Run(ctx); err != nil {
		setupLog.Error(err, "WOL listener failed")
		return err
	}

	setupLog.Info("pve-wol stopped gracefully")
	return nil
}

func newRunner(cfg *config.Config) pve.Runner {
	if cfg.SSH.Host == "" {
		return pve.ExecRunner{}
	}
	return pve.NewSSHRunner(pve.SSHConfig{
		Host:           cfg.SSH.Host,
		Port:           cfg.SSH.Port,
		User:           cfg.SSH.User,
		KeyPath:        cfg.SSH.KeyPath,
		KnownHostsPath: cfg.SSH.KnownHosts,
		Timeout:        cfg.Action.Timeout,
	})
}
