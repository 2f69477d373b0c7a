package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/connection"
	"github.com/mossy-p/webrtc-matchmaking/internal/logger"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/orchestrator"
	"github.com/mossy-p/webrtc-matchmaking/internal/peer"
)

func newRootCmd() *cobra.Command {
	v := config.New()
	// The REPL owns stdout.
	v.SetDefault(config.KeyLogOutput, "file")

	var cfgFile string
	var noCamera bool

	rootCmd := &cobra.Command{
		Use:           "matchclient",
		Short:         "Headless matchmaking client",
		Long:          "matchclient connects to a matchmaking relay, finds partners for text or video chat and negotiates the peer connection. Commands are read from stdin, one per line.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				if err := config.ReadFile(v, cfgFile); err != nil {
					return err
				}
			}
			return run(cmd, config.FromViper(v), noCamera)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file")
	flags.BoolVar(&noCamera, "no-camera", false, "start video sessions without local media")
	flags.String("relay-url", "", "websocket URL of the relay")
	flags.String("auth-token", "", "bearer token sent to the relay")
	flags.String("auth-id", "", "stable identity of this participant")
	flags.String("kind", "", "chat kind: text or video")
	flags.String("interests", "", "comma-separated interests")
	flags.Bool("auto-search", true, "search as soon as the relay connection is up")
	flags.Int("max-search-attempts", 0, "automatic searches allowed without a match")
	flags.String("stun", "", "comma-separated STUN server URLs")
	flags.String("log-level", "", "log level")
	flags.String("log-output", "", "stdout or file")
	flags.String("log-file", "", "log file path")

	// Flags override the environment only when set explicitly.
	for flag, key := range map[string]string{
		"relay-url":           config.KeyRelayURL,
		"auth-token":          config.KeyAuthToken,
		"auth-id":             config.KeyAuthID,
		"kind":                config.KeyChatKind,
		"interests":           config.KeyInterests,
		"auto-search":         config.KeyAutoSearch,
		"max-search-attempts": config.KeyMaxSearchAttempts,
		"stun":                config.KeySTUNServers,
		"log-level":           config.KeyLogLevel,
		"log-output":          config.KeyLogOutput,
		"log-file":            config.KeyLogFile,
	} {
		v.BindPFlag(key, flags.Lookup(flag))
	}

	return rootCmd
}

func run(cmd *cobra.Command, cfg *config.Config, noCamera bool) error {
	zl, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := connection.NewManager(connection.Config{
		URL:              cfg.Client.RelayURL,
		AuthToken:        cfg.Client.AuthToken,
		AuthID:           cfg.Client.AuthID,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		InitialDelay:     cfg.Client.Reconnect.InitialDelay,
		MaxDelay:         cfg.Client.Reconnect.MaxDelay,
		MaxAttempts:      cfg.Client.Reconnect.MaxAttempts,
	}, zl)

	var media peer.MediaSource = peer.NewSyntheticSource()
	if noCamera {
		media = peer.UnavailableSource{}
	}
	session, err := orchestrator.New(orchestrator.Config{
		Kind:              models.ChatKind(cfg.Client.Kind),
		Interests:         cfg.Client.Interests,
		AutoSearch:        cfg.Client.AutoSearch,
		MaxSearchAttempts: cfg.Client.MaxSearchAttempts,
		SearchCooldown:    cfg.Client.SearchCooldown,
		STUNServers:       cfg.Client.STUNServers,
		Media:             media,
	}, conn, zl)
	if err != nil {
		return err
	}
	defer session.Close()

	out := cmd.OutOrStdout()
	session.OnStatus(func(s orchestrator.Status) { fmt.Fprintln(out, formatStatus(s)) })
	session.OnChat(func(m models.ChatMessage) { fmt.Fprintf(out, "partner: %s\n", m.Message) })

	zl.Info("starting session",
		zap.String("relay", cfg.Client.RelayURL),
		zap.String("kind", cfg.Client.Kind),
		zap.Strings("interests", cfg.Client.Interests))
	session.Start(ctx)

	r := &repl{session: session, out: out}
	return r.run(ctx, cmd.InOrStdin())
}
