package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"instsync/internal/config"
)

var (
	configPath   string
	instancePath string
	manifestPath string
	oldPath      string
	cfg          config.Config

	rootCmd = &cobra.Command{
		Use:           "instsync",
		Short:         "Reconcile game instance directories with their manifests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				level = zerolog.InfoLevel
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Install a manifest into an instance and stream progress to the log",
		Args:  cobra.NoArgs,
		RunE:  runInstall,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Print the files an interrupted install left pending",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}

	diffCmd = &cobra.Command{
		Use:   "diff",
		Short: "Print the operations an install would perform",
		Args:  cobra.NoArgs,
		RunE:  runDiff,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to the YAML config file")

	for _, cmd := range []*cobra.Command{installCmd, checkCmd, diffCmd} {
		cmd.Flags().StringVarP(&instancePath, "instance", "i", "", "instance directory")
		_ = cmd.MarkFlagRequired("instance")
	}
	for _, cmd := range []*cobra.Command{installCmd, diffCmd} {
		cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "JSON file with the desired files")
		cmd.Flags().StringVar(&oldPath, "old", "", "JSON file with the files of the previous install")
		_ = cmd.MarkFlagRequired("manifest")
	}

	rootCmd.AddCommand(serveCmd, installCmd, checkCmd, diffCmd)
}
