package main

import (
	"fmt"
	"os"

	"zs-hedge-bot/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envPath    string
)

var rootCmd = &cobra.Command{
	Use:   "bot",
	Short: "Dual-account zero-spread hedge bot",
	Long: `Opens offsetting taker positions on two accounts while the top of book
shows zero spread, closes them on the next window and alternates the
long leg between accounts.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "path to dotenv file with account credentials")
	rootCmd.AddCommand(runCmd, verifyCmd, statusCmd, clearHaltCmd)
}

// loadConfig reads the dotenv file then the yaml config.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(envPath); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
