package main

import (
	"github.com/spf13/cobra"

	"github.com/wippyai/sockrelay/config"
)

// options holds flags shared by every subcommand.
type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "sockrelay",
		Short: "AT command socket relay",
		Long: `sockrelay accepts modem-style AT socket commands (#XSOCKET, #XCONNECT,
#XSEND, ...) on stdio, a pseudo-terminal or a TCP port and carries them out
on the host network stack, including TLS and DTLS sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default is ./sockrelay.yaml, ./configs or ~/.sockrelay)")

	root.AddCommand(
		newServeCmd(opts),
		newConsoleCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configPath)
}
