// Package devices lists audio capture devices
package devices

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/audiocore/sources/malgo"
	"github.com/airlog/airlog/internal/audiocore/sources/synthetic"
)

// Command creates the devices command
func Command() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		Long:  "List the capture devices of the audio backend. Use the index or name as audio.device_index or audio.device.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Print(cmd.OutOrStdout(), backend)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Audio backend (alsa, pulseaudio, coreaudio, wasapi, ...); empty picks the platform default")
	return cmd
}

// Print writes the capture devices of backend to w
func Print(w io.Writer, backend string) error {
	list, err := malgo.ListDevices(backend)
	if err != nil {
		return err
	}
	return Format(w, list)
}

// Format writes one line per device, marking the default device
func Format(w io.Writer, list []audiocore.DeviceInfo) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No capture devices found")
		return err
	}

	fmt.Fprintln(w, "Capture devices:")
	for _, d := range list {
		mark := ""
		if d.IsDefault {
			mark = " (default)"
		}
		fmt.Fprintf(w, "  [%d] %s%s\n", d.Index, d.Name, mark)
		if d.ID != "" {
			fmt.Fprintf(w, "      id: %s\n", d.ID)
		}
	}
	_, err := fmt.Fprintf(w, "\nSet audio.device to %q for a generated test tone.\n", synthetic.DeviceName)
	return err
}
