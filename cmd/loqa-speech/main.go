package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/config"
)

var version = "0.1.0-dev"

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath  string
	voice       string
	language    string
	speed       float64
	concurrency int
	logLevel    string

	cfg config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "loqa-speech",
		Short:         "Streaming sentence segmentation and ordered speech synthesis",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "loqa-speech.yaml", "Path to configuration file")
	flags.StringVarP(&opts.voice, "voice", "s", "", "Voice or style mix, e.g. af_heart or af_sarah.4+af_nicole.6")
	flags.StringVarP(&opts.language, "lan", "l", "", "Language hint, e.g. en-us")
	flags.Float64Var(&opts.speed, "speed", 0, "Speech speed factor")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "Synthesis workers per session")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newPipeCommand(opts),
		newStreamCommand(opts),
		newFileCommand(opts),
		newTextCommand(opts),
		newVoicesCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version and exit",
			Args:  cobra.NoArgs,
			PersistentPreRunE: func(*cobra.Command, []string) error {
				return nil
			},
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// load reads the config file when present and applies flag overrides on top.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.LoadOptional(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("voice") {
		cfg.TTS.Voice = o.voice
	}
	if flags.Changed("lan") {
		cfg.TTS.Language = o.language
	}
	if flags.Changed("speed") {
		if o.speed <= 0 {
			return fmt.Errorf("--speed must be positive, got %v", o.speed)
		}
		cfg.TTS.Speed = o.speed
	}
	if flags.Changed("concurrency") {
		if o.concurrency < 1 {
			return fmt.Errorf("--concurrency must be at least 1, got %d", o.concurrency)
		}
		cfg.TTS.Concurrency = o.concurrency
	}
	if flags.Changed("log-level") {
		cfg.Telemetry.LogLevel = o.logLevel
	}
	o.cfg = cfg
	return nil
}

// logger writes JSON logs to w. Local modes pass stderr because stdout may carry audio.
func (o *options) logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(o.cfg.Telemetry.LogLevel)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
