package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/batch"
	"github.com/Sriram-PR/redirect-finder/pkg/export"
	"github.com/Sriram-PR/redirect-finder/pkg/ingest"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

var timeNow = time.Now

// resolveFlags holds the resolve subcommand's options
type resolveFlags struct {
	configPath   string
	logLevel     string
	url          string
	input        string
	output       string
	format       string
	maxRedirects int
	timeoutMs    int
	noBrowser    bool
	jsonOut      bool
	windows1251  bool
}

func runResolve(args []string) {
	var f resolveFlags
	fs := newFlagSet("resolve",
		"redirect-finder resolve -url https://example.com/old-page",
		"redirect-finder resolve -input links.xlsx -output results.xlsx",
		"redirect-finder resolve -input links.csv -format csv -windows-1251",
	)
	fs.StringVar(&f.configPath, "config", "config.yaml", "Path to config file (empty for built-in defaults)")
	fs.StringVar(&f.logLevel, "loglevel", "", "Log level (debug, info, warn, error); defaults to config log_level")
	fs.StringVar(&f.url, "url", "", "Resolve a single URL")
	fs.StringVar(&f.input, "input", "", "Resolve every URL in a .csv or .xlsx file")
	fs.StringVar(&f.output, "output", "", "Output file or directory for -input (default: next to the input)")
	fs.StringVar(&f.format, "format", "", "Output format for -input: csv or xlsx (default from config or -output extension)")
	fs.IntVar(&f.maxRedirects, "max-redirects", 0, "Override resolve.max_redirects (1-20)")
	fs.IntVar(&f.timeoutMs, "timeout-ms", 0, "Override resolve.timeout_ms (1000-60000)")
	fs.BoolVar(&f.noBrowser, "no-browser", false, "Disable the headless browser fallback")
	fs.BoolVar(&f.jsonOut, "json", false, "Print the single-URL result as JSON")
	fs.BoolVar(&f.windows1251, "windows-1251", false, "Encode CSV output as Windows-1251 instead of UTF-8")
	parseFlags(fs, args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(doResolve(ctx, f, os.Stdout, os.Stderr))
}

// doResolve runs the resolve subcommand. Exit codes: 0 success, 1 failure,
// 2 when a single URL resolved to ERROR.
func doResolve(ctx context.Context, f resolveFlags, stdout, stderr io.Writer) int {
	if (f.url == "") == (f.input == "") {
		fmt.Fprintln(stderr, "Error: exactly one of -url or -input is required")
		return 1
	}

	log := setupLogger(f.logLevel, stderr)
	appCfg, err := loadAndValidateConfig(f.configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	applyConfigLogLevel(log, f.logLevel, appCfg)

	opts := appCfg.ResolveOptions()
	if f.maxRedirects != 0 {
		opts.MaxRedirects = f.maxRedirects
	}
	if f.timeoutMs != 0 {
		opts.Timeout = time.Duration(f.timeoutMs) * time.Millisecond
	}
	if f.noBrowser {
		opts.UseBrowserFallback = false
	}
	if format := outputFormat(f.format, f.output); format != "" {
		if format != models.OutputFormatCSV && format != models.OutputFormatXLSX {
			fmt.Fprintf(stderr, "Error: unsupported format %q (want csv or xlsx)\n", format)
			return 1
		}
		opts.OutputFormat = format
	}
	opts = opts.Normalize()

	a, err := buildApp(ctx, appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	if f.url != "" {
		return resolveOne(ctx, a, f.url, opts, f.jsonOut, stdout, stderr)
	}
	return resolveFile(ctx, a, f, opts, stdout, stderr)
}

func resolveOne(ctx context.Context, a *app, rawURL string, opts models.ResolveOptions, jsonOut bool, stdout, stderr io.Writer) int {
	result := a.orchestrator.Resolve(ctx, rawURL, opts)

	if jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		printResult(stdout, result)
	}

	if result.Status == models.PageStatusError {
		return 2
	}
	return 0
}

func printResult(w io.Writer, r models.Result) {
	fmt.Fprintf(w, "Original URL:   %s\n", r.OriginalURL)
	fmt.Fprintf(w, "Final URL:      %s\n", r.FinalURL)
	fmt.Fprintf(w, "Status:         %s\n", r.Status)
	fmt.Fprintf(w, "Strategy:       %s\n", r.StrategyName)
	fmt.Fprintf(w, "Redirects:      %d\n", r.RedirectCount)
	if r.HasHTTPCode() {
		fmt.Fprintf(w, "HTTP code:      %d\n", r.HTTPCode)
	}
	fmt.Fprintf(w, "Elapsed:        %dms\n", r.ElapsedMillis())
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:          %s\n", r.ErrorMessage)
	}
	for i, hop := range r.Chain {
		fmt.Fprintf(w, "  hop %d -> %s\n", i+1, hop)
	}
	if len(r.Attempts) > 1 {
		fmt.Fprintln(w, "Attempts:")
		for _, at := range r.Attempts {
			fmt.Fprintf(w, "  %-10s %-9s %v\n", at.Strategy, at.Status, at.Elapsed.Round(time.Millisecond))
		}
	}
}

func resolveFile(ctx context.Context, a *app, f resolveFlags, opts models.ResolveOptions, stdout, stderr io.Writer) int {
	rows, err := ingest.ReadRows(f.input)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	outPath, err := outputPath(f.input, f.output, opts.OutputFormat, timeNow())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	entry := logrus.NewEntry(a.log)
	runner := batch.NewRunner(a.orchestrator, a.cfg.Batch, entry)
	step := len(rows) / 10
	if step < 1 {
		step = 1
	}
	report, runErr := runner.Run(ctx, rows, opts, func(done, total int, _ models.BatchItem) {
		if done%step == 0 || done == total {
			entry.Infof("Progress: %d/%d", done, total)
		}
	})

	// Partial results are still written after a cancel
	if err := writeReport(outPath, opts.OutputFormat, f.windows1251, report.Items); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Resolved %d URLs in %v -> %s\n", len(report.Items), report.Duration.Round(time.Millisecond), outPath)
	for _, s := range models.AllStatuses {
		if n := report.Counts[s]; n > 0 {
			fmt.Fprintf(stdout, "  %-10s %d\n", s, n)
		}
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return 1
	}
	return 0
}

// outputFormat picks the explicit flag, else the output file's extension
func outputFormat(flagFormat, output string) string {
	if flagFormat != "" {
		return strings.ToLower(flagFormat)
	}
	switch strings.ToLower(filepath.Ext(output)) {
	case ".xlsx":
		return models.OutputFormatXLSX
	case ".csv":
		return models.OutputFormatCSV
	}
	return ""
}

// outputPath resolves -output: empty means a timestamped file next to the
// input, a directory gets a timestamped file inside it
func outputPath(input, output, format string, now time.Time) (string, error) {
	if output == "" {
		return filepath.Join(filepath.Dir(input), export.Filename(input, format, now)), nil
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, export.Filename(input, format, now)), nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return output, nil
}

func writeReport(path, format string, windows1251 bool, items []models.BatchItem) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if format == models.OutputFormatCSV {
		err = export.WriteCSV(f, items, export.CSVOptions{Windows1251: windows1251})
	} else {
		err = export.Write(f, format, items)
	}
	if err != nil {
		f.Close()
		return utils.WrapErrorf(err, "write %s", path)
	}
	return utils.WrapErrorf(f.Close(), "close %s", path)
}
