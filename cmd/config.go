// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/config"
)

var configValidate bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration in effect: the defaults, overlaid with the file
given by --config and the connection flags.

With --validate only the check is performed; the exit status tells whether
the file is usable.

Examples:
  # Start a configuration file from the defaults
  evertctl config > evert.yaml

  # Check an edited file
  evertctl config -c evert.yaml --validate`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configValidate, "validate", false, "Only validate the configuration")
}

func runConfig(cmd *cobra.Command, args []string) error {
	// Load already validated the file; the flags may have changed it since.
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	if configValidate {
		fmt.Fprintln(os.Stderr, "configuration OK")
		return nil
	}
	out, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
