package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("QUTY_CONFIG", ""),
		"Path to configuration file, YAML or JSON (env: QUTY_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("QUTY_CONFIG", ""),
		"Path to configuration file, YAML or JSON (env: QUTY_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("QUTY_LOG_LEVEL", "info"),
		"Log level: trace, debug, info, warn, error (env: QUTY_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("QUTY_LOG_FORMAT", "json"),
		"Log format: json, text, bracket (env: QUTY_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")

	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "quty cluster node — clustered pub/sub message fabric\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment overrides: CLUSTER_NAMESPACE, CLUSTER_PORT, CLUSTER_AUTH,\n")
		fmt.Fprintf(os.Stderr, "CLUSTER_DEBUG, CLUSTER_DISCOVERY_NODES, CLUSTER_DISCOVERY_SERVICE,\n")
		fmt.Fprintf(os.Stderr, "CLUSTER_DISCOVERY_FETCH\n")
	}

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
