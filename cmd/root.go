// Package cmd is the airlog command line
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/airlog/airlog/cmd/devices"
	"github.com/airlog/airlog/cmd/record"
	"github.com/airlog/airlog/cmd/verify"
	"github.com/airlog/airlog/internal/buildinfo"
)

// Execute runs the root command and returns the process exit code
func Execute() int {
	if err := RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	var (
		listDevices bool
		backend     string
	)

	rootCmd := &cobra.Command{
		Use:           "airlog",
		Short:         "Continuous audio capture to chunked WAV archives",
		Version:       buildinfo.Current().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listDevices {
				return devices.Print(cmd.OutOrStdout(), backend)
			}
			return cmd.Help()
		},
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.Flags().BoolVar(&listDevices, "list-devices", false, "List capture devices and exit")
	rootCmd.Flags().StringVar(&backend, "backend", "", "Audio backend for --list-devices (alsa, pulseaudio, coreaudio, wasapi, ...)")

	rootCmd.AddCommand(
		record.Command(),
		devices.Command(),
		verify.Command(),
	)
	return rootCmd
}
