package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Sriram-PR/redirect-finder/pkg/batch"
	"github.com/Sriram-PR/redirect-finder/pkg/export"
	"github.com/Sriram-PR/redirect-finder/pkg/ingest"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
)

const (
	sourceInline      = "inline"
	defaultMaxResults = 50
	maxResultsCap     = 1000
	maxInlineURLs     = 10000
)

// resolveOptions starts from the configured defaults and applies any tool arguments
func (s *Server) resolveOptions(request mcp.CallToolRequest) models.ResolveOptions {
	opts := s.cfg.AppConfig.ResolveOptions()
	opts.MaxRedirects = request.GetInt("max_redirects", opts.MaxRedirects)
	opts.Timeout = time.Duration(request.GetInt("timeout_ms", int(opts.Timeout/time.Millisecond))) * time.Millisecond
	opts.UseBrowserFallback = request.GetBool("use_browser_fallback", opts.UseBrowserFallback)
	opts.OutputFormat = strings.ToLower(request.GetString("format", opts.OutputFormat))
	return opts
}

// handleResolveURL handles the resolve_url tool
func (s *Server) handleResolveURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL := strings.TrimSpace(request.GetString("url", ""))
	if rawURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	result := s.cfg.Resolver.Resolve(ctx, rawURL, s.resolveOptions(request).Normalize())
	return mcp.NewToolResultText(formatJSON(resultMap(result))), nil
}

// handleResolveBatch handles the resolve_batch tool
func (s *Server) handleResolveBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urlList := request.GetString("urls", "")
	inputFile := strings.TrimSpace(request.GetString("input_file", ""))
	outputFile := strings.TrimSpace(request.GetString("output_file", ""))

	if (strings.TrimSpace(urlList) == "") == (inputFile == "") {
		return mcp.NewToolResultError("exactly one of urls or input_file is required"), nil
	}

	opts := s.resolveOptions(request)
	if opts.OutputFormat != models.OutputFormatCSV && opts.OutputFormat != models.OutputFormatXLSX {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q (want csv or xlsx)", opts.OutputFormat)), nil
	}
	opts = opts.Normalize()

	var (
		rows   []models.InputRow
		source = sourceInline
		err    error
	)
	if inputFile != "" {
		if source, err = filepath.Abs(inputFile); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input_file: %v", err)), nil
		}
		if s.jobManager.IsRunning(source) {
			existing, _ := s.jobManager.CreateJob(source, 0)
			result := map[string]interface{}{
				"status":     "already_running",
				"message":    "A batch is already in progress for this input file",
				"job_id":     existing.ID,
				"input_file": source,
			}
			return mcp.NewToolResultText(formatJSON(result)), nil
		}
		if rows, err = ingest.ReadRows(source); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read input_file: %v", err)), nil
		}
	} else {
		rows = splitURLs(urlList)
		if len(rows) > maxInlineURLs {
			return mcp.NewToolResultError(fmt.Sprintf("too many URLs (%d); pass more than %d through input_file", len(rows), maxInlineURLs)), nil
		}
	}

	job, existing := s.jobManager.CreateJob(source, len(rows))
	if !existing {
		go s.runBatchJob(job.ID, rows, opts, outputFile)
	}

	result := map[string]interface{}{
		"status":  "started",
		"message": "Batch started successfully",
		"job_id":  job.ID,
		"total":   job.Total,
	}
	if existing {
		result["status"] = "already_running"
		result["message"] = "A batch is already in progress for this input file"
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// runBatchJob resolves rows in the background and optionally writes an export file
func (s *Server) runBatchJob(jobID string, rows []models.InputRow, opts models.ResolveOptions, outputFile string) {
	s.jobManager.UpdateStatus(jobID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(jobID)
	jobLog := s.log.WithField("job_id", jobID)

	runner := batch.NewRunner(s.cfg.Resolver, s.cfg.AppConfig.Batch, jobLog)
	report, runErr := runner.Run(jobCtx, rows, opts, func(done, _ int, item models.BatchItem) {
		s.jobManager.RecordItem(jobID, done, item)
	})

	outputPath := ""
	if outputFile != "" && report != nil {
		path, err := s.writeOutput(outputFile, opts.OutputFormat, report.Items)
		if err != nil {
			jobLog.WithError(err).Error("Failed to write batch output")
			s.jobManager.Finish(jobID, report, "")
			s.jobManager.UpdateStatus(jobID, JobStatusFailed, fmt.Sprintf("failed to write output: %v", err))
			return
		}
		outputPath = path
	}
	s.jobManager.Finish(jobID, report, outputPath)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			s.jobManager.UpdateStatus(jobID, JobStatusCancelled, "")
		} else {
			s.jobManager.UpdateStatus(jobID, JobStatusFailed, runErr.Error())
		}
		return
	}
	s.jobManager.UpdateStatus(jobID, JobStatusCompleted, "")
}

// writeOutput writes items to outputFile. A directory gets a timestamped file name inside it.
func (s *Server) writeOutput(outputFile, format string, items []models.BatchItem) (string, error) {
	path := outputFile
	if info, err := os.Stat(outputFile); err == nil && info.IsDir() {
		path = filepath.Join(outputFile, export.Filename("redirect-finder-result", format, s.now()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := export.Write(f, format, items); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job, ok := s.jobManager.GetJob(jobID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	maxResults := request.GetInt("max_results", defaultMaxResults)
	if maxResults < 0 {
		maxResults = 0
	}
	if maxResults > maxResultsCap {
		maxResults = maxResultsCap
	}

	result := map[string]interface{}{
		"job_id":     job.ID,
		"source":     job.Source,
		"status":     job.Status,
		"started_at": job.StartedAt.Format(time.RFC3339),
		"total":      job.Total,
		"processed":  job.Processed,
		"counts":     job.Counts,
	}

	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.OutputPath != "" {
		result["output_path"] = job.OutputPath
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}

	if maxResults > 0 {
		if items := s.jobManager.Items(jobID, maxResults); items != nil {
			out := make([]map[string]interface{}, len(items))
			for i, item := range items {
				out[i] = resultMap(item.Result)
				if item.Row.ID != "" {
					out[i]["id"] = item.Row.ID
				}
				if item.Row.Model != "" {
					out[i]["model"] = item.Row.Model
				}
			}
			result["results"] = out
			result["results_truncated"] = job.Total > len(items)
		}
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if _, ok := s.jobManager.GetJob(jobID); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	cancelled := s.jobManager.CancelJob(jobID)
	result := map[string]interface{}{
		"job_id":    jobID,
		"cancelled": cancelled,
	}
	if !cancelled {
		result["message"] = "Job already finished"
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleStrategyStats handles the strategy_stats tool
func (s *Server) handleStrategyStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := request.GetInt("days", 7)
	if days < 1 || days > 3650 {
		return mcp.NewToolResultError("days must be between 1 and 3650"), nil
	}
	to := s.now()
	from := to.AddDate(0, 0, -days)

	rates, err := s.cfg.Stats.SuccessRateByStrategy(ctx, from, to)
	if err != nil {
		s.log.WithError(err).Error("strategy_stats: success rate query failed")
		return mcp.NewToolResultError(fmt.Sprintf("statistics query failed: %v", err)), nil
	}
	overall, err := s.cfg.Stats.Overall(ctx, from, to)
	if err != nil {
		s.log.WithError(err).Error("strategy_stats: overall query failed")
		return mcp.NewToolResultError(fmt.Sprintf("statistics query failed: %v", err)), nil
	}
	if rates == nil {
		rates = []stats.StrategyRate{}
	}

	result := map[string]interface{}{
		"from":       from.Format(time.RFC3339),
		"to":         to.Format(time.RFC3339),
		"overall":    overall,
		"strategies": rates,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleRecommendStrategy handles the recommend_strategy tool
func (s *Server) handleRecommendStrategy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain := stats.ApexDomain(request.GetString("url", ""))
	if domain == "" {
		return mcp.NewToolResultError("url parameter is required and must contain a host"), nil
	}

	since := s.now().Add(-s.cfg.AppConfig.HintWindowPeriod())
	all, err := s.cfg.Stats.StrategiesForDomain(ctx, domain, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("statistics query failed: %v", err)), nil
	}
	if all == nil {
		all = []stats.DomainStrategy{}
	}

	result := map[string]interface{}{
		"domain":     domain,
		"since":      since.Format(time.RFC3339),
		"strategies": all,
	}

	if s.cfg.Hints != nil {
		hint, err := s.cfg.Hints.Lookup(ctx, domain)
		if err != nil {
			s.log.WithError(err).WithField("domain", domain).Warn("Hint lookup failed, querying statistics directly")
		} else if hint.Strategy != "" {
			result["recommended"] = hint.Strategy
			result["success_rate"] = hint.SuccessRate
			result["source"] = "hint_cache"
			return mcp.NewToolResultText(formatJSON(result)), nil
		}
	}

	best, ok, err := s.cfg.Stats.BestStrategyForDomain(ctx, domain, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("statistics query failed: %v", err)), nil
	}
	if ok {
		result["recommended"] = best.Strategy
		result["success_rate"] = best.SuccessRate
		result["source"] = "statistics"
	} else {
		result["message"] = "Not enough history for this domain; the default strategy order applies"
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// splitURLs turns a free-form list into rows, one per non-empty token
func splitURLs(list string) []models.InputRow {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	rows := make([]models.InputRow, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, models.InputRow{URL: f, Line: len(rows) + 1})
	}
	return rows
}

func resultMap(r models.Result) map[string]interface{} {
	m := map[string]interface{}{
		"original_url":   r.OriginalURL,
		"final_url":      r.FinalURL,
		"status":         r.Status,
		"strategy":       r.StrategyName,
		"redirect_count": r.RedirectCount,
		"elapsed_ms":     r.ElapsedMillis(),
	}
	if r.HasHTTPCode() {
		m["http_code"] = r.HTTPCode
	}
	if r.ErrorMessage != "" {
		m["error_message"] = r.ErrorMessage
	}
	if len(r.Chain) > 0 {
		m["chain"] = r.Chain
	}
	if len(r.Attempts) > 0 {
		attempts := make([]map[string]interface{}, len(r.Attempts))
		for i, a := range r.Attempts {
			attempts[i] = map[string]interface{}{
				"strategy":   a.Strategy,
				"status":     a.Status,
				"elapsed_ms": a.Elapsed.Milliseconds(),
			}
			if a.HTTPCode != 0 {
				attempts[i]["http_code"] = a.HTTPCode
			}
			if a.ErrorText != "" {
				attempts[i]["error"] = a.ErrorText
			}
		}
		m["attempts"] = attempts
	}
	return m
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
