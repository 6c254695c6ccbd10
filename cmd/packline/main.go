package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vbmedia/packline/internal/app"
	"github.com/vbmedia/packline/internal/config"
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
	Use:   "packline",
	Short: "Packline - photo package production service",
	Long:  `Packline turns dealership photo submissions into rendered videos, landing pages and customer deliveries.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the production service",
	Long:  `Start the Packline service with the intake API and the task workers.`,
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
		fmt.Printf("packline version %s\n", version)
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

	application, err := app.New(cfg)
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
	fmt.Printf("  Hostname:   %s\n", cfg.Server.Hostname)
	fmt.Printf("  Base URL:   %s\n", cfg.Server.BaseURL)
	fmt.Printf("  API:        %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage:    %s\n", cfg.Storage.Path)
	fmt.Printf("  Media root: %s\n", cfg.Storage.MediaRoot)

	backends := ""
	if cfg.Renderfarm.BaseURL != "" {
		backends = "renderfarm"
	}
	if cfg.Storyboard.BaseURL != "" {
		if backends != "" {
			backends += ", "
		}
		backends += "storyboard"
	}
	fmt.Printf("  Backends:   %s\n", backends)

	return nil
}
