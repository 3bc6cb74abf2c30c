package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ent0n29/talkavatar/internal/setup"
)

func newSetupCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the avatar: voice sample, clone, portrait",
	}

	var name, voiceID string
	clone := &cobra.Command{
		Use:   "clone",
		Short: "Create the voice clone from the uploaded sample",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, logger, err := opts.build(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeQuietly(res, logger)
			snap, err := res.Setup.CreateClone(cmd.Context(), voiceID, name)
			return reportSetup(cmd, snap, err)
		},
	}
	clone.Flags().StringVar(&name, "name", "", "clone name (default from SETUP_CLONE_NAME)")
	clone.Flags().StringVar(&voiceID, "voice-id", "", "voice sample id (default: the stored one)")

	cmd.AddCommand(
		uploadCmd(opts, "voice <file>", "Upload a voice sample (mp3, wav, m4a, ogg)", (*setup.Orchestrator).SubmitVoice),
		clone,
		uploadCmd(opts, "image <file>", "Upload a portrait (jpg, png)", (*setup.Orchestrator).SubmitImage),
		&cobra.Command{
			Use:   "reset",
			Short: "Forget all stored identifiers and start over",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, logger, err := opts.build(cmd.Context(), true)
				if err != nil {
					return err
				}
				defer closeQuietly(res, logger)
				return reportSetup(cmd, res.Setup.Reset(cmd.Context()), nil)
			},
		},
	)
	return cmd
}

type uploadStep func(*setup.Orchestrator, context.Context, setup.Upload) (setup.Snapshot, error)

func uploadCmd(opts *rootOptions, use, short string, step uploadStep) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, logger, err := opts.build(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeQuietly(res, logger)
			snap, err := step(res.Setup, cmd.Context(), setup.Upload{Filename: filepath.Base(args[0]), Data: data})
			return reportSetup(cmd, snap, err)
		},
	}
}

func reportSetup(cmd *cobra.Command, snap setup.Snapshot, err error) error {
	out := cmd.OutOrStdout()
	for _, advisory := range snap.Advisories {
		printf(out, "note: %s\n", advisory)
	}
	if err != nil {
		return fmt.Errorf("%w (setup state: %s)", err, snap.State)
	}
	printf(out, "setup state: %s\n", snap.State)
	if snap.State == setup.Ready {
		printf(out, "avatar ready: try `talkavatar say \"Hello\"`\n")
	}
	return nil
}
