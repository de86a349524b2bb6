package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Sriram-PR/redirect-finder/pkg/stats"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// statsReport is the -json rendering of the stats subcommand
type statsReport struct {
	From         time.Time               `json:"from"`
	To           time.Time               `json:"to"`
	Overall      stats.Overall           `json:"overall"`
	Strategies   []stats.StrategyRate    `json:"strategies"`
	Statuses     []stats.StatusShare     `json:"statuses"`
	TopBlocked   []stats.DomainBlockRate `json:"top_blocked"`
	ProcessingMs []stats.ProcessingTime  `json:"processing_time"`
}

func runStats(args []string) {
	fs := newFlagSet("stats",
		"redirect-finder stats -days 30",
		"redirect-finder stats -json",
	)
	configFile := fs.String("config", "config.yaml", "Path to config file (empty for built-in defaults)")
	days := fs.Int("days", 7, "Reporting window in days")
	jsonOut := fs.Bool("json", false, "Print the report as JSON")
	parseFlags(fs, args)

	os.Exit(doStats(context.Background(), *configFile, *days, *jsonOut, os.Stdout, os.Stderr))
}

// doStats prints the statistics report for the last days days
func doStats(ctx context.Context, configPath string, days int, jsonOut bool, stdout, stderr io.Writer) int {
	if days < 1 || days > 3650 {
		fmt.Fprintln(stderr, "Error: -days must be between 1 and 3650")
		return 1
	}
	log := setupLogger("warn", stderr)
	appCfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := openStats(ctx, appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	to := timeNow().UTC()
	from := to.AddDate(0, 0, -days)
	report, err := collectStats(ctx, store, from, to)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	printStats(stdout, days, report)
	return 0
}

func collectStats(ctx context.Context, store *stats.Store, from, to time.Time) (*statsReport, error) {
	r := &statsReport{From: from, To: to}
	var err error
	if r.Overall, err = store.Overall(ctx, from, to); err != nil {
		return nil, err
	}
	if r.Strategies, err = store.SuccessRateByStrategy(ctx, from, to); err != nil {
		return nil, err
	}
	if r.Statuses, err = store.StatusDistribution(ctx, from, to); err != nil {
		return nil, err
	}
	if r.TopBlocked, err = store.TopBlockedDomains(ctx, from, 5, 10); err != nil {
		return nil, err
	}
	if r.ProcessingMs, err = store.ProcessingTimeByStrategy(ctx, from, to); err != nil {
		return nil, err
	}
	return r, nil
}

func printStats(w io.Writer, days int, r *statsReport) {
	o := r.Overall
	fmt.Fprintf(w, "Statistics for the last %d days (%s .. %s)\n\n", days, r.From.Format(time.DateOnly), r.To.Format(time.DateOnly))
	fmt.Fprintf(w, "Total attempts:   %d\n", o.Total)
	fmt.Fprintf(w, "Unique domains:   %d\n", o.UniqueDomains)
	fmt.Fprintf(w, "Success rate:     %.2f%%\n", o.SuccessRate)
	fmt.Fprintf(w, "Block rate:       %.2f%%\n", o.BlockRate)
	fmt.Fprintf(w, "Avg processing:   %.0fms\n", o.AvgProcessingMs)
	fmt.Fprintf(w, "Avg redirects:    %.2f\n", o.AvgRedirects)

	if len(r.Strategies) > 0 {
		fmt.Fprintln(w, "\nStrategies:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  STRATEGY\tTOTAL\tSUCCESS\tRATE\tAVG MS\tDOMAINS")
		for _, s := range r.Strategies {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%.2f%%\t%.0f\t%d\n", s.Strategy, s.Total, s.Successful, s.SuccessRate, s.AvgProcessingMs, s.UniqueDomains)
		}
		tw.Flush()
	}

	if len(r.Statuses) > 0 {
		fmt.Fprintln(w, "\nStatus distribution:")
		for _, s := range r.Statuses {
			fmt.Fprintf(w, "  %-10s %6d  %6.2f%%\n", s.Status, s.Count, s.Percentage)
		}
	}

	if len(r.TopBlocked) > 0 {
		fmt.Fprintln(w, "\nMost blocked domains:")
		for _, d := range r.TopBlocked {
			fmt.Fprintf(w, "  %-30s %6.2f%% of %d\n", d.Domain, d.BlockRate, d.Total)
		}
	}
}

func runSweep(args []string) {
	fs := newFlagSet("sweep",
		"redirect-finder sweep",
		"redirect-finder sweep -older-than 30d",
	)
	configFile := fs.String("config", "config.yaml", "Path to config file (empty for built-in defaults)")
	olderThan := fs.String("older-than", "", "Delete rows older than this interval (e.g. 30d, 12h); defaults to statistics.retention")
	parseFlags(fs, args)

	os.Exit(doSweep(context.Background(), *configFile, *olderThan, os.Stdout, os.Stderr))
}

// doSweep deletes statistics rows older than the given interval
func doSweep(ctx context.Context, configPath, olderThan string, stdout, stderr io.Writer) int {
	log := setupLogger("warn", stderr)
	appCfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	retention := appCfg.RetentionPeriod()
	if olderThan != "" {
		d, err := utils.ParseInterval(olderThan)
		if err != nil || d <= 0 {
			fmt.Fprintf(stderr, "Error: invalid -older-than %q\n", olderThan)
			return 1
		}
		retention = d
	}

	store, err := openStats(ctx, appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	cutoff := timeNow().Add(-retention)
	n, err := store.Sweep(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Deleted %d rows older than %s\n", n, cutoff.UTC().Format(time.RFC3339))
	return 0
}
