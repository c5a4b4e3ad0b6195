// Package verify checks finalized chunk files
package verify

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/airlog/airlog/internal/archive"
)

// Command creates the verify command
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file.wav>...",
		Short: "Validate chunk file headers",
		Long:  "Decode the WAV header of each chunk, check the data size against the format and print its duration.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.OutOrStdout(), args)
		},
	}
}

// Run verifies every path and reports each result on w. It fails when any
// file is invalid.
func Run(w io.Writer, paths []string) error {
	failed := 0
	for _, p := range paths {
		info, err := archive.VerifyChunk(p)
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", p, err)
			continue
		}
		fmt.Fprintf(w, "OK   %s\n", Describe(info))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed verification", failed, len(paths))
	}
	return nil
}

// Describe renders chunk header information on one line
func Describe(info *archive.ChunkInfo) string {
	encoding := "PCM"
	if info.Float {
		encoding = "float"
	}
	return fmt.Sprintf("%s: %d Hz, %d ch, %d-bit %s, %s (%d bytes)",
		info.Path, info.SampleRate, info.Channels, info.BitDepth, encoding, info.Duration, info.DataBytes)
}
