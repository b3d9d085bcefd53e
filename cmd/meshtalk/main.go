// Package main runs a meshtalk node with an optional local HTTP bridge and a
// line-oriented console on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/meshtalk"
	"github.com/opd-ai/meshtalk/bridge"
	"github.com/opd-ai/meshtalk/discovery"
	"github.com/opd-ai/meshtalk/messaging"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds parsed command-line flags.
type CLIConfig struct {
	name       string
	group      string
	port       int
	iface      string
	ttl        int
	loopback   bool
	bridgeAddr string
	logLevel   string
	logFormat  string
	console    bool
	help       bool

	// set records which flags were given explicitly so that they, and only
	// they, override environment settings.
	set map[string]bool
}

// parseCLIFlags parses args into a CLIConfig.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	config := &CLIConfig{set: make(map[string]bool)}
	defaults := meshtalk.NewOptions()

	// Network configuration
	fs.StringVar(&config.name, "name", "", "Display name; generates an identity on first start")
	fs.StringVar(&config.group, "group", defaults.Group, "Multicast group address")
	fs.IntVar(&config.port, "port", defaults.Port, "Multicast port")
	fs.StringVar(&config.iface, "interface", "", "Network interface to join on (default: system choice)")
	fs.IntVar(&config.ttl, "ttl", defaults.TTL, "Multicast TTL")
	fs.BoolVar(&config.loopback, "loopback", defaults.Loopback, "Receive own multicast traffic")

	// Bridge
	fs.StringVar(&config.bridgeAddr, "bridge", "", "Listen address of the HTTP bridge (disabled when empty)")

	// Logging configuration
	fs.StringVar(&config.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&config.logFormat, "log-format", "text", "Log format (text, json)")

	fs.BoolVar(&config.console, "console", true, "Read messages to send from stdin")
	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { config.set[f.Name] = true })
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.port < meshtalk.MinPort || config.port > meshtalk.MaxPort {
		return fmt.Errorf("invalid port: must be between %d and %d", meshtalk.MinPort, meshtalk.MaxPort)
	}
	if config.ttl < meshtalk.MinTTL || config.ttl > meshtalk.MaxTTL {
		return fmt.Errorf("invalid ttl: must be between %d and %d", meshtalk.MinTTL, meshtalk.MaxTTL)
	}
	if config.group == "" {
		return fmt.Errorf("multicast group cannot be empty")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch strings.ToLower(config.logFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", config.logFormat)
	}
	return nil
}

// configureLogging applies the level and formatter to the standard logger.
func configureLogging(config *CLIConfig) {
	level, err := logrus.ParseLevel(config.logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if strings.EqualFold(config.logFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
}

// buildOptions layers defaults, environment and explicit flags.
func buildOptions(config *CLIConfig) *meshtalk.Options {
	options := meshtalk.NewOptions()
	options.ApplyEnvironment()

	if config.set["name"] {
		options.DisplayName = config.name
	}
	if config.set["group"] {
		options.Group = config.group
	}
	if config.set["port"] {
		options.Port = config.port
	}
	if config.set["interface"] {
		options.Interface = config.iface
	}
	if config.set["ttl"] {
		options.TTL = config.ttl
	}
	if config.set["loopback"] {
		options.Loopback = config.loopback
	}
	return options
}

// parseCommand splits a console line into recipient and text. Lines have the
// form "name: text"; "*: text" broadcasts.
func parseCommand(line string) (recipient, text string, ok bool) {
	name, rest, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	recipient = strings.TrimSpace(name)
	text = strings.TrimSpace(rest)
	if recipient == "" || text == "" {
		return "", "", false
	}
	return recipient, text, true
}

// runConsole sends every well-formed stdin line until in is exhausted or ctx
// is done.
func runConsole(ctx context.Context, node *meshtalk.Node, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/peers" {
			printPeers(out, node.Peers())
			continue
		}
		recipient, text, ok := parseCommand(line)
		if !ok {
			fmt.Fprintln(out, "usage: <name>: <text>  |  *: <text>  |  /peers")
			continue
		}
		msg, err := node.SendText(ctx, recipient, text)
		if err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "queued %s\n", msg.ID)
	}
}

func printPeers(out io.Writer, peers []discovery.PeerRecord) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "no peers")
		return
	}
	for _, p := range peers {
		state := "offline"
		if p.Online {
			state = "online"
		}
		fmt.Fprintf(out, "%s (%s)\n", p.Username, state)
	}
}

// printDeliveries writes incoming messages until ctx is done.
func printDeliveries(ctx context.Context, deliveries <-chan messaging.Delivery, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			for _, p := range d.Message.Payloads {
				if p.MimeType != messaging.MimeText {
					fmt.Fprintf(out, "[%s] %s: <%s, %d bytes>\n", d.ReceivedAt.Format(time.Kitchen), d.Message.Sender, p.MimeType, len(p.Data))
					continue
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", d.ReceivedAt.Format(time.Kitchen), d.Message.Sender, p.Data)
			}
		}
	}
}

// setupSignalHandling cancels ctx on SIGINT or SIGTERM.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"signal":   sig.String(),
		}).Info("Received signal, shutting down")
		cancel()
	}()
}

func run(ctx context.Context, config *CLIConfig) error {
	options := buildOptions(config)

	node, err := meshtalk.New(ctx, options)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := node.Close(closeCtx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Warn("Close failed")
		}
	}()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	deliveries, unsubscribe := node.Subscribe(64)
	defer unsubscribe()
	go printDeliveries(ctx, deliveries, os.Stdout)

	if config.bridgeAddr != "" {
		cfg := bridge.DefaultConfig()
		cfg.Addr = config.bridgeAddr
		server := bridge.New(node, cfg)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = server.Stop(stopCtx)
		}()
	}

	if config.console {
		go runConsole(ctx, node, os.Stdin, os.Stdout)
	}

	<-ctx.Done()
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	config, err := parseCLIFlags(fs, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if config.help {
		fs.Usage()
		os.Exit(0)
	}

	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	configureLogging(config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if err := run(ctx, config); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("Node failed")
		cancel()
		os.Exit(1)
	}
}
