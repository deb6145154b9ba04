// Package cli defines the Cobra commands of the evi binary.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	envFile string
	debug   bool
	version = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "evi",
	Short: "Empathic voice session client and browser relay",
	Long: `evi opens realtime voice conversations with an empathic voice service.
It can stream a recorded PCM file from the terminal, or run a relay that
gives browsers an authenticated WebSocket to the service.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(envFile)
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load before reading configuration")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Use a development logger at debug level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadEnv loads path into the environment. A missing file is not an error;
// variables already set take precedence.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
