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
	"fmt"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/gpillon/pve-wol/internal/config"
	"github.com/gpillon/pve-wol/internal/mapping"
	"github.com/gpillon/pve-wol/internal/pve"
	"github.com/gpillon/pve-wol/internal/wol"
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Print the MAC to VMID table the daemon would use",
	RunE:  runMappings,
}

func runMappings(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		setupLog.Error(err, "Invalid configuration", "config", configFile)
		return err
	}

	table, summary, err := buildMappings(cmd.Context(), cfg)
	if err != nil {
		setupLog.Error(err, "Failed to build MAC mapping")
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-17s  %s\n", "MAC", "VMID")
	for _, e := range table.Entries() {
		fmt.Fprintf(out, "%-17s  %d\n", e.MAC, e.VMID)
	}
	fmt.Fprintf(out, "\n%d entries (%d explicit, %d discovered, %d discovered shadowed, %d explicit invalid)\n",
		summary.Total, summary.ExplicitLoaded, summary.Discovered, summary.DiscoveredShadowed, summary.ExplicitInvalid)
	return nil
}

// buildMappings assembles the table from the mapping file and VM configs
func buildMappings(ctx context.Context, cfg *config.Config) (*mapping.Table, mapping.Summary, error) {
	log := ctrl.Log.WithName("mapping")

	explicit := &mapping.FileSource{Path: cfg.Map, Required: cfg.MapRequired, Log: log}
	scanner := pve.NewScanner(cfg.ConfDir, ctrl.Log.WithName("discovery"))

	table, summary, err := mapping.Build(ctx, explicit, scanner, log)
	if err != nil {
		return nil, summary, err
	}

	log.Info("MAC mapping ready",
		"total", summary.Total,
		"explicit", summary.ExplicitLoaded,
		"explicitInvalid", summary.ExplicitInvalid,
		"discovered", summary.Discovered,
		"discoveredShadowed", summary.DiscoveredShadowed)
	if table.Len() == 0 {
		log.Info("WARNING: no MAC addresses are mapped, every WOL packet will be ignored; check --conf-dir and --map",
			"confDir", cfg.ConfDir, "map", cfg.Map)
	}
	wol.ManagedVMs.Set(float64(table.Len()))

	return table, summary, nil
}
