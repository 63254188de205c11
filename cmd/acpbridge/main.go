package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kestrel-run/acpbridge/common/version"
	"github.com/kestrel-run/acpbridge/internal/bridge/app"
	"github.com/kestrel-run/acpbridge/internal/bridge/config"
	"github.com/kestrel-run/acpbridge/internal/bridge/logging"
)

func main() {
	configDir := flag.String("config-dir", defaultConfigDir(), "directory holding the bridge's identity and options files")
	optionsFile := flag.String("options", "", "path to a YAML options file (defaults to <config-dir>/options.yaml if present)")
	port := flag.Int("port", 0, "override the listener port (0 keeps the configured/default value)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	logger, err := logging.Setup(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acpbridge: %v\n", err)
		os.Exit(1)
	}
	logger.Info("acpbridge starting", "version", version.Version, "commit", version.GitCommit)

	opts := config.Defaults()
	opts.ConfigDir = *configDir

	yamlPath := *optionsFile
	if yamlPath == "" {
		yamlPath = *configDir + "/options.yaml"
	}
	if _, statErr := os.Stat(yamlPath); statErr == nil {
		opts, err = config.LoadYAML(yamlPath, opts)
		if err != nil {
			logger.Error("failed to load options file", "path", yamlPath, "err", err)
			os.Exit(1)
		}
	}
	opts = config.ApplyEnv(opts)
	if *port != 0 {
		opts.Port = *port
	}

	identity, err := config.LoadOrCreateIdentity(*configDir, config.TransportSettings{
		Kind: "local", Bind: opts.Bind, Port: opts.Port,
	})
	if err != nil {
		logger.Error("failed to load or create identity", "err", err)
		os.Exit(1)
	}

	bridge, err := app.New(app.Config{
		Options:  opts,
		Identity: *identity,
		AuditDB:  *configDir + "/audit.db",
	})
	if err != nil {
		logger.Error("failed to initialize bridge", "err", err)
		os.Exit(1)
	}
	defer bridge.Stop()

	if err := bridge.Run(context.Background()); err != nil {
		logger.Error("bridge exited with error", "err", err)
		os.Exit(1)
	}
}

// defaultConfigDir returns the bridge's default config directory, rooted
// under the user's config home so the identity file persists across runs.
func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/acpbridge"
	}
	return "."
}
