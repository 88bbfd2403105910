// Syncspace CLI entry point.
//
// Two peers find each other with a six-digit pairing code exchanged out of
// band. The relay only brokers the code and ferries the WebRTC handshake;
// presence and nudges then flow directly over a data channel.
//
//	syncspace relay            run the pairing relay
//	syncspace peer --create    create a code and wait for a partner
//	syncspace peer --code N    join a partner's code
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/syncspace/internal/config"
	"github.com/1ureka/syncspace/internal/util"
)

var version = "dev"

var (
	cfgFile string
	debug   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncspace",
		Short:         "Pair two peers over WebRTC with a short code",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./"+config.DefaultFile+" if present)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(relayCmd())
	root.AddCommand(peerCmd())
	return root
}

// loadConfig reads the configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	return cfg, nil
}

func banner(subtitle string) {
	pterm.Info.Println(fmt.Sprintf("Syncspace v%s (%s)", version, subtitle))
	pterm.Println()
}
