package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/talkavatar/internal/conversation"
	"github.com/ent0n29/talkavatar/internal/generation"
)

func newSayCmd(opts *rootOptions) *cobra.Command {
	var previewOnly bool
	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Make the avatar speak the given text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, logger, err := opts.build(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeQuietly(res, logger)
			if _, err := res.Manual.Speak(cmd.Context(), strings.Join(args, " "), previewOnly); err != nil {
				return err
			}
			task, err := res.Manual.Wait(cmd.Context())
			return reportTask(cmd, task, err)
		},
	}
	cmd.Flags().BoolVar(&previewOnly, "preview-only", false, "audio only, skip the video render")
	return cmd
}

func newPreviewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <text>",
		Short: "Synthesize the text with the cloned voice, audio only",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, logger, err := opts.build(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeQuietly(res, logger)
			if _, err := res.Manual.Preview(cmd.Context(), strings.Join(args, " ")); err != nil {
				return err
			}
			task, err := res.Manual.Wait(cmd.Context())
			return reportTask(cmd, task, err)
		},
	}
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var voiceFile string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk with the avatar; one message per line, /clear resets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			res, logger, err := opts.build(ctx, true)
			if err != nil {
				return err
			}
			defer closeQuietly(res, logger)
			out := cmd.OutOrStdout()

			if voiceFile != "" {
				data, err := os.ReadFile(voiceFile)
				if err != nil {
					return err
				}
				if _, err := res.Chat.SendVoiceFile(ctx, filepath.Base(voiceFile), data); err != nil {
					return err
				}
				return printReply(ctx, cmd, res.Chat)
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			printf(out, "> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
				case line == "/quit" || line == "/exit":
					return nil
				case line == "/clear":
					res.Chat.Clear()
					printf(out, "(conversation cleared)\n")
				default:
					if _, err := res.Chat.SendText(ctx, line); err != nil {
						printf(out, "error: %v\n", err)
					} else if err := printReply(ctx, cmd, res.Chat); err != nil {
						return err
					}
				}
				printf(out, "> ")
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&voiceFile, "voice-file", "", "send an audio file as a single voice message")
	return cmd
}

func printReply(ctx context.Context, cmd *cobra.Command, chat *conversation.Orchestrator) error {
	state, err := chat.Wait(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i := len(state.Transcript) - 1; i >= 0; i-- {
		turn := state.Transcript[i]
		if turn.Role != conversation.RoleAssistant {
			continue
		}
		// A voice message's transcription precedes the reply.
		if i > 0 && state.Transcript[i-1].Role == conversation.RoleUser {
			printf(out, "you:    %s\n", state.Transcript[i-1].Text)
		}
		printf(out, "avatar: %s\n", turn.Text)
		if turn.Media != nil {
			printf(out, "        %s %s\n", turn.Media.Kind, turn.Media.URL)
		}
		return nil
	}
	return nil
}

func reportTask(cmd *cobra.Command, task generation.Task, err error) error {
	if err != nil {
		return err
	}
	if !task.Succeeded() {
		return fmt.Errorf("task %s failed: %s", task.ID, task.Error)
	}
	printf(cmd.OutOrStdout(), "%s %s\n", task.Media.Kind, task.Media.URL)
	return nil
}
