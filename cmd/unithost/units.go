// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/unithost/unithost/internal/loader"
	"github.com/unithost/unithost/internal/xdg"
)

// unitsConfig holds configuration shared by the units subcommands.
type unitsConfig struct {
	unitsDir   string
	jsonOutput bool
}

// NewUnitsCmd creates the units subcommand group.
func NewUnitsCmd() *cobra.Command {
	cfg := &unitsConfig{}

	cmd := &cobra.Command{
		Use:   "units",
		Short: "Inspect installed units",
	}

	cmd.PersistentFlags().StringVar(&cfg.unitsDir, "units-dir", "",
		"units directory (default: XDG_DATA_HOME/unithost/units)")

	cmd.AddCommand(newUnitsListCmd(cfg))
	cmd.AddCommand(newUnitsValidateCmd(cfg))

	return cmd
}

// unitListing is one row of units list output.
type unitListing struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Type        string `json:"type"`
	AutoStart   bool   `json:"auto_start"`
	Description string `json:"description,omitempty"`
}

func newUnitsListCmd(cfg *unitsConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units discovered under the units directory",
		Long: `List every unit with a valid manifest under the units directory.
Directories without a manifest, or with an invalid one, are skipped with a
warning, exactly as the host does at boot.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUnitsList(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runUnitsList(cmd *cobra.Command, cfg *unitsConfig) error {
	dir := cfg.unitsDir
	if dir == "" {
		dir = xdg.UnitsDir()
	}

	ld, err := loader.New(dir)
	if err != nil {
		return err
	}
	discovered, err := ld.Discover(context.Background())
	if err != nil {
		return err
	}

	listings := make([]unitListing, 0, len(discovered))
	for _, d := range discovered {
		listings = append(listings, unitListing{
			Name:        d.Manifest.Name,
			Version:     d.Manifest.Version,
			Type:        string(d.Manifest.Type),
			AutoStart:   d.Manifest.AutoStart,
			Description: d.Manifest.Description,
		})
	}

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(listings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(listings) == 0 {
		cmd.Printf("No units found under %s\n", dir)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tAUTOSTART\tDESCRIPTION")
	for _, l := range listings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			l.Name, l.Version, l.Type, l.AutoStart, l.Description)
	}
	return w.Flush()
}

func newUnitsValidateCmd(cfg *unitsConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate unit manifests without starting the host",
		Long: `Validate unit manifests against the manifest schema and the loader's
constraints. Paths may be manifest files or unit directories; with no paths,
every unit under the units directory is checked.

Exits with code 0 when every manifest is valid, non-zero otherwise. Useful
in CI pipelines:
  unithost units validate ./myunit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnitsValidate(cmd, cfg, args)
		},
	}
}

func runUnitsValidate(cmd *cobra.Command, cfg *unitsConfig, args []string) error {
	paths := args
	if len(paths) == 0 {
		dir := cfg.unitsDir
		if dir == "" {
			dir = xdg.UnitsDir()
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read units directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				paths = append(paths, filepath.Join(dir, entry.Name()))
			}
		}
	}

	var failures int
	for _, path := range paths {
		manifestPath := path
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			manifestPath = filepath.Join(path, loader.ManifestName)
		}

		if err := validateManifestFile(manifestPath); err != nil {
			failures++
			cmd.PrintErrf("FAIL  %s: %v\n", manifestPath, err)
			continue
		}
		cmd.Printf("OK    %s\n", manifestPath)
	}

	if failures > 0 {
		return fmt.Errorf("validation failed: %d of %d manifest(s) invalid", failures, len(paths))
	}
	return nil
}

// validateManifestFile runs both validation layers over one manifest: the
// generated JSON Schema (what editors see) and the loader's own parser
// (what the host enforces).
func validateManifestFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := loader.ValidateSchema(data); err != nil {
		return err
	}
	_, err = loader.ParseManifest(data)
	return err
}
