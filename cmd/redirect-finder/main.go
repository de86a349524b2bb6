package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
)

const version = "1.0.0"

func main() {
	config.LoadDotEnv()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "resolve":
		runResolve(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		fmt.Printf("redirect-finder %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `redirect-finder - Redirect resolution with anti-bot escalation

Usage:
  redirect-finder <command> [options]

Commands:
  resolve     Resolve one URL (-url) or a spreadsheet of URLs (-input/-output)
  stats       Print strategy statistics
  sweep       Delete statistics older than the retention window
  serve       Run the statistics HTTP API and scheduled maintenance
  mcp-server  Start MCP server for AI tool integration
  validate    Validate configuration file
  version     Show version info

Run 'redirect-finder <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file. An empty path yields the
// built-in defaults. Environment overrides are applied on top of the file.
func loadConfig(path string) (*config.AppConfig, error) {
	var cfg config.AppConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyEnv()
	return &cfg, nil
}

// loadAndValidateConfig loads the config file, validates it, and logs warnings.
func loadAndValidateConfig(path string, log *logrus.Logger) (*config.AppConfig, error) {
	if path != "" {
		log.Infof("Loading configuration from %s", path)
	}
	appCfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return appCfg, nil
}

// setupLogger creates a configured logrus.Logger with the given log level.
// An empty level falls back to the config's log_level, then info.
func setupLogger(logLevelStr string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	if logLevelStr == "" {
		return log
	}
	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Debugf("Setting log level to: %s", level.String())
	}
	return log
}

// applyConfigLogLevel honors log_level from the config unless a flag already set one
func applyConfigLogLevel(log *logrus.Logger, flagLevel string, appCfg *config.AppConfig) {
	if flagLevel != "" || appCfg.LogLevel == "" {
		return
	}
	if level, err := logrus.ParseLevel(appCfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
}

func runValidate(args []string) {
	fs := newFlagSet("validate")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	parseFlags(fs, args)

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	opts := appCfg.ResolveOptions()
	fmt.Fprintf(stdout, "OK: max_redirects=%d timeout=%v browser_fallback=%t output_format=%s\n",
		opts.MaxRedirects, opts.Timeout, opts.UseBrowserFallback, opts.OutputFormat)
	fmt.Fprintf(stdout, "OK: statistics dsn=%s retention=%s\n", redactDSN(appCfg.Statistics.DSN), appCfg.Statistics.Retention)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// redactDSN hides credentials embedded in a libsql URL
func redactDSN(dsn string) string {
	for _, marker := range []string{"authToken=", "auth_token="} {
		if i := strings.Index(dsn, marker); i >= 0 {
			return dsn[:i+len(marker)] + "***"
		}
	}
	return dsn
}

// newFlagSet creates a subcommand flag set with a standard usage header
func newFlagSet(name string, examples ...string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: redirect-finder %s [options]\n\nOptions:\n", name)
		fs.PrintDefaults()
		if len(examples) > 0 {
			fmt.Fprintf(os.Stderr, "\nExamples:\n")
			for _, e := range examples {
				fmt.Fprintf(os.Stderr, "  %s\n", e)
			}
		}
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
}
