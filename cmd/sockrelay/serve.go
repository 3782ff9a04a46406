package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/uart"
)

func newServeCmd(opts *options) *cobra.Command {
	var mode, listen, link string
	var echo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve AT commands on the configured channel",
		Long: `Serve AT commands on stdio, a pseudo-terminal or a TCP port.

Flags override the uart section of the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("mode") {
				cfg.UART.Mode = mode
			}
			if flags.Changed("listen") {
				cfg.UART.Listen = listen
			}
			if flags.Changed("link") {
				cfg.UART.Link = link
			}
			if flags.Changed("echo") {
				cfg.UART.Echo = echo
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := setupLogging(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			r, err := newRelay(cfg, log)
			if err != nil {
				return err
			}
			defer r.Close()

			srv, err := uart.New(r.dispatcher, uart.Config{
				Mode:   uart.Mode(cfg.UART.Mode),
				Listen: cfg.UART.Listen,
				Link:   cfg.UART.Link,
				Echo:   cfg.UART.Echo,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("sockrelay started",
				zap.String("mode", cfg.UART.Mode),
				zap.Int("rx_buffer", cfg.Socket.RxBuffer),
				zap.String("keystore", cfg.Keystore.Dir))
			return closeErr(srv.Run(ctx))
		},
	}

	f := cmd.Flags()
	f.StringVar(&mode, "mode", "", "channel: stdio, pty or tcp")
	f.StringVar(&listen, "listen", "", "TCP listen address for tcp mode")
	f.StringVar(&link, "link", "", "symlink to create for the pty device")
	f.BoolVar(&echo, "echo", false, "echo received command lines")
	return cmd
}
