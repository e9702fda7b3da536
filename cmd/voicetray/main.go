// Command voicetray runs the local speech relay and talks to a running one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.2.0"

var (
	configFile string
	envFile    string
	serverAddr string

	rootCmd = &cobra.Command{
		Use:   "voicetray",
		Short: "Speak notifications from HTTP and MQTT producers, one at a time",
		Long: "voicetray accepts speech requests over a local HTTP listener and an MQTT topic,\n" +
			"queues them in arrival order and plays them through the system speech engine.\n" +
			"Without a subcommand it runs the daemon.",
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.NoArgs,
		RunE:             runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "./voicetray.json", "path to config (.json, .yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with credential overrides")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "daemon address for client commands (default: server.addr from config)")

	rootCmd.AddCommand(serveCmd, speakCmd, statusCmd, timelineCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
