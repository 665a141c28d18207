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
	"flag"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/gpillon/pve-wol/internal/config"
)

var (
	// Version is set at build time
	Version = "dev"

	configFile string
	verbose    bool

	zapOpts = zap.Options{
		Development: false,
	}

	setupLog = ctrl.Log.WithName("setup")
)

var rootCmd = &cobra.Command{
	Use:   "pve-wol",
	Short: "Start Proxmox VMs when a Wake-on-LAN packet targets one of their NICs",
	Long: `pve-wol listens for Wake-on-LAN magic packets on UDP (ports 9 and 7 by
default), maps the target MAC to a Proxmox VMID using an optional mapping file
and the VM configs in /etc/pve/qemu-server, and runs "qm start <vmid>".

Running pve-wol without a subcommand is the same as "pve-wol run".`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	RunE:    runDaemon,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML, TOML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	config.AddFlags(rootCmd.PersistentFlags())

	goFlags := flag.NewFlagSet("zap", flag.ExitOnError)
	zapOpts.BindFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(mappingsCmd)
}

func setupLogging() {
	if verbose {
		zapOpts.Level = zapcore.DebugLevel
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
}

// loadConfig resolves flags, PVE_WOL_* environment and the config file
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	if err := loader.BindFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return loader.LoadFile(configFile)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
