package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "amicull",
		Short: "Cull unused machine images and their snapshots",
		Long: `amicull - machine image retention

amicull lists or deletes AWS machine images that carry the configured
tags and are not referenced by any launch template or launch
configuration, together with the EBS snapshots backing them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`amicull {{.Version}} - machine image retention
`)
}
