package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-ytfetch-service/internal/config"
)

// Flag values. Cobra's Changed tracking decides whether each one
// overrides the config file.
var (
	cfgFile     string
	listenAddr  string
	storagePath string
	logLevel    string
	logFormat   string
	concurrency int
	slotTTLSec  int
)

// globalConfig is resolved once in the persistent pre-run and read by
// every subcommand.
var globalConfig config.Config

var rootCmd = &cobra.Command{
	Use:   "ytfetchd",
	Short: "Video download service backed by yt-dlp",
	Long: `ytfetchd accepts video URLs over HTTP, extracts them with yt-dlp
and serves the results through expiring download links.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", config.DefaultListenAddr, "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage", config.DefaultStoragePath, "Directory for download slots (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Logging format (text, json)")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", config.DefaultDownloadConcurrency, "Concurrent download ceiling (overrides config)")
	rootCmd.PersistentFlags().IntVar(&slotTTLSec, "slot-ttl", config.DefaultSlotTTLSec, "Download slot time-to-live in seconds (overrides config)")
}

func loadGlobalConfig(cmd *cobra.Command, _ []string) error {
	// A .env file is a convenience for local runs; absence is normal.
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment from .env")
	}

	flags := config.CliFlags{}
	if cfgFile != "" {
		flags.ConfigFilePath = &cfgFile
	}
	if cmd.Flags().Changed("listen") {
		flags.ListenAddr = &listenAddr
	}
	if cmd.Flags().Changed("storage") {
		flags.StoragePath = &storagePath
	}
	if cmd.Flags().Changed("log-level") {
		flags.LogLevel = &logLevel
	}
	if cmd.Flags().Changed("log-format") {
		flags.LogFormat = &logFormat
	}
	if cmd.Flags().Changed("concurrency") {
		flags.Concurrency = &concurrency
	}
	if cmd.Flags().Changed("slot-ttl") {
		flags.SlotTTLSec = &slotTTLSec
	}

	cfg, err := config.Initialize(flags)
	if err != nil {
		return err
	}
	globalConfig = cfg

	initLogging(cfg.LogLevel, cfg.LogFormat)
	return nil
}

func initLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
}
