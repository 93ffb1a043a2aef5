package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/app"
	"github.com/foxzi/campaignd/internal/config"
	apitls "github.com/foxzi/campaignd/internal/tls"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "campaignd",
	Short: "campaignd - campaign delivery service",
	Long: `campaignd sends personalized email and WhatsApp campaigns to stored
contacts and tracks the outcome of every delivery.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign server",
	Long:  `Start the HTTP API, the scheduler and the metrics server.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("campaignd version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	switch {
	case cfg.API.TLS.ACME.Enabled:
		fmt.Printf("  TLS: ACME for %v\n", cfg.API.TLS.ACME.Domains)
	case cfg.API.TLS.CertFile != "":
		info, err := apitls.ReadCertificateInfo(cfg.API.TLS.CertFile)
		if err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		fmt.Printf("  TLS: %s (expires in %d days)\n", info.Subject, info.DaysLeft(time.Now()))
	}
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Email: %s\n", enabled(cfg.Email.Enabled))
	fmt.Printf("  WhatsApp: %s\n", enabled(cfg.WhatsApp.Enabled))
	if cfg.Sandbox.Enabled {
		fmt.Printf("  Sandbox: enabled (messages are captured)\n")
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}

func enabled(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}
