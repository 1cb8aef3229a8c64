package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bindery-io/bindery/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the build service",
	Long:  `Start the API server, the build dispatcher, and the background sweeper.`,
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := app.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bindery")
	}
}
