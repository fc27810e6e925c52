// ABOUTME: Entry point for the chatgate CLI
// ABOUTME: Builds the cobra command tree and runs it under a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chatgate/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _              _
   ___| |__   __ _| |_ __ _  __ _| |_ ___
  / __| '_ \ / _' | __/ _' |/ _' | __/ _ \
 | (__| | | | (_| | || (_| | (_| | ||  __/
  \___|_| |_|\__,_|\__\__, |\__,_|\__\___|
                      |___/
`

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// main leaves signal handling to the commands: the chat REPL uses Ctrl-C to
// stop a reply rather than to exit.
func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "chatgate",
		Short:         "Entitlement-gated streaming chat client and reference backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default $"+config.EnvConfigPath+" or user config dir)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newChatCmd(flags),
		newBackendCmd(flags),
		newTokenCmd(flags),
		newChatsCmd(flags),
	)
	return root
}

// loadConfig reads the config named by --config, falling back to the
// default lookup.
func loadConfig(flags *globalFlags) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if flags.configPath != "" {
		path = flags.configPath
		cfg, err = config.Load(path)
	} else {
		cfg, path, err = config.LoadDefault()
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, path, nil
}

// printBanner writes the banner and a few key/value lines to stdout.
func printBanner(lines ...[2]string) {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	for _, l := range lines {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", l[0]+":", l[1])
	}
	fmt.Println()
}
