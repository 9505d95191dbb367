// Command riskctl operates the tradeguard risk core.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"tradeguard/internal/cli"
	"tradeguard/internal/logging"
)

func main() {
	// Optional .env with TRADEGUARD_* overrides such as ClickHouse credentials
	envFile := os.Getenv("TRADEGUARD_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := loadEnvFile(envFile); err != nil && os.Getenv("TRADEGUARD_ENV_FILE") != "" {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	logger := logging.NewLogger()
	rootCmd := cli.NewRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		return godotenv.Load(envFile)
	}
	return fmt.Errorf("env file %s not found", envFile)
}
