// Package main runs a rendezvous node: it keeps the endpoints of pinging
// devices, forwards calls between them and relays datagrams for peers that
// cannot reach each other.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/fx"

	"github.com/opd-ai/bdt/crypto"
)

// passphraseEnv names the variable holding the identity file passphrase.
const passphraseEnv = "BDT_IDENTITY_PASSPHRASE"

// CLI configuration
type CLIConfig struct {
	configPath     string
	identityPath   string
	descriptorPath string
	metricsAddr    string
	logLevel       string
	startTimeout   time.Duration
	stopTimeout    time.Duration
	help           bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	// Files
	flag.StringVar(&config.configPath, "config", "", "YAML configuration file (default: built-in defaults)")
	flag.StringVar(&config.identityPath, "identity", "sn-miner.identity", "Identity file, created if missing")
	flag.StringVar(&config.descriptorPath, "descriptor", "", "Write the signed device descriptor here")

	// Services
	flag.StringVar(&config.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")

	// Lifecycle
	flag.DurationVar(&config.startTimeout, "start-timeout", 15*time.Second, "Startup timeout")
	flag.DurationVar(&config.stopTimeout, "stop-timeout", 15*time.Second, "Shutdown timeout")

	// Logging
	flag.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("sn-miner: rendezvous and relay node")
	fmt.Println()
	fmt.Println("Devices ping this node to publish their endpoints. A device that")
	fmt.Println("wants to reach another asks the node to call it; peers that cannot")
	fmt.Println("reach each other directly relay through the node's proxy sockets.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Printf("The identity file is encrypted with the passphrase in $%s.\n", passphraseEnv)
	fmt.Println()
	fmt.Println("Example:")
	fmt.Printf("  %s=secret %s -config sn.yaml -descriptor sn.desc -metrics :9100\n", passphraseEnv, os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.identityPath == "" {
		return fmt.Errorf("identity path must not be empty")
	}
	if os.Getenv(passphraseEnv) == "" {
		return fmt.Errorf("%s must be set", passphraseEnv)
	}
	if config.startTimeout <= 0 || config.stopTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// loadNodeConfig reads the YAML file if one was given and applies the
// flags that override it.
func loadNodeConfig(cli *CLIConfig) (*Config, error) {
	cfg := NewConfig()
	if cli.configPath != "" {
		loaded, err := LoadConfig(cli.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cli.descriptorPath != "" {
		cfg.DescriptorPath = cli.descriptorPath
	}
	if cli.metricsAddr != "" {
		cfg.MetricsAddr = cli.metricsAddr
	}
	return cfg, nil
}

// loadOrCreateIdentity loads the identity at path, generating and saving
// a new one when the file does not exist.
func loadOrCreateIdentity(path string, passphrase []byte) (*crypto.Identity, error) {
	id, err := crypto.LoadIdentity(path, passphrase)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	id, err = crypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := crypto.SaveIdentity(path, id, passphrase); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "loadOrCreateIdentity",
		"path":     path,
	}).Info("Generated new identity")
	return id, nil
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()
}

func main() {
	cliConfig := parseCLIFlags()

	if cliConfig.help {
		printUsage()
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	level, _ := logrus.ParseLevel(cliConfig.logLevel)
	logrus.SetLevel(level)

	cfg, err := loadNodeConfig(cliConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	identity, err := loadOrCreateIdentity(cliConfig.identityPath, []byte(os.Getenv(passphraseEnv)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load identity: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(Module(cfg, identity), fx.NopLogger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), cliConfig.startTimeout)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)
	<-ctx.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cliConfig.stopTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		logrus.WithError(err).Error("Shutdown incomplete")
		os.Exit(1)
	}
}
