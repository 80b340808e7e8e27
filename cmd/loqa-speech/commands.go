package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/local"
	"github.com/loqalabs/loqa-speech/internal/runtime"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the speech daemon (websocket sessions, HTTP speech endpoint, bus services)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger(os.Stdout)
			rt := runtime.New(opts.cfg, logger)
			if err := rt.Start(cmd.Context()); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newPipeCommand(opts *options) *cobra.Command {
	var (
		output string
		silent bool
	)
	cmd := &cobra.Command{
		Use:   "pipe",
		Short: "Speak stdin sentence by sentence as it arrives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), opts, func(ctx context.Context, r *local.Runner) error {
				return r.Pipe(ctx, cmd.InOrStdin(), output, silent)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", local.DefaultPipeOutput, "WAV file receiving the audio")
	cmd.Flags().BoolVar(&silent, "silent", false, "Do not play the audio")
	return cmd
}

func newStreamCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Speak each stdin line and write WAV audio to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), opts, func(ctx context.Context, r *local.Runner) error {
				return r.Stream(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

func newFileCommand(opts *options) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "file [input]",
		Short: "Write one WAV file per non-empty line of input (stdin when omitted or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return withRunner(cmd.Context(), opts, func(ctx context.Context, r *local.Runner) error {
				n, err := r.File(ctx, in, pattern)
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d files\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&pattern, "pattern", "p", local.DefaultFilePattern, "Output path; {line} is replaced by the line index")
	return cmd
}

func newTextCommand(opts *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "text <text>...",
		Short: "Synthesize a text into one WAV file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withRunner(cmd.Context(), opts, func(ctx context.Context, r *local.Runner) error {
				return r.Text(ctx, text, output)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", local.DefaultTextOutput, "WAV file receiving the audio")
	return cmd
}

func newVoicesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the available voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog := tts.BuildCatalog(cmd.Context(), opts.cfg.TTS, opts.logger(os.Stderr))
			for _, v := range catalog.Voices() {
				if v == catalog.Default() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (default)\n", v)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
}

// withRunner builds the speech stack for a local mode and tears it down afterwards.
func withRunner(ctx context.Context, opts *options, fn func(context.Context, *local.Runner) error) error {
	logger := opts.logger(os.Stderr)
	speech, err := runtime.NewSpeech(ctx, opts.cfg, logger)
	if err != nil {
		return err
	}
	runner := local.New(local.Config{
		Session:  speech.Options,
		Voice:    opts.cfg.TTS.Voice,
		Language: opts.cfg.TTS.Language,
		Format:   audio.Format{SampleRate: opts.cfg.TTS.SampleRate, Channels: opts.cfg.TTS.Channels},
		Playback: opts.cfg.Playback.Command,
		Logger:   logger,
	})
	runErr := fn(ctx, runner)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, speech.Close())
}
