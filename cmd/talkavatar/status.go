package main

import (
	"context"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show setup progress and remote service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, logger, err := opts.build(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeQuietly(res, logger)

			out := cmd.OutOrStdout()
			snap := res.Setup.Snapshot()
			printf(out, "setup:    %s\n", snap.State)
			printf(out, "voice:    %s\n", orDash(snap.Session.VoiceID))
			printf(out, "clone:    %s\n", orDash(snap.Session.CloneID))
			printf(out, "image:    %s\n", orDash(snap.Session.ImageID))
			printf(out, "store:    %s\n", res.Store.Kind())
			printf(out, "monitor:  %s\n", res.Monitor)

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			health, err := res.Remote.Health(ctx)
			if err != nil {
				printf(out, "remote:   unreachable (%v)\n", err)
				return nil
			}
			printf(out, "remote:   %s (version %s)\n", health.Status, orDash(health.Version))
			names := make([]string, 0, len(health.Services))
			for name := range health.Services {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				printf(out, "  %-12s %s\n", name, health.Services[name])
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
