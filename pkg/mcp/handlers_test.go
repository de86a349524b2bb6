package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
	"github.com/Sriram-PR/redirect-finder/pkg/storage"
)

var fixedNow = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

type fakeResolver struct {
	mu    sync.Mutex
	opts  []models.ResolveOptions
	block chan struct{} // When set, Resolve waits on it or ctx
}

func (f *fakeResolver) Resolve(ctx context.Context, rawURL string, opts models.ResolveOptions) models.Result {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if strings.Contains(rawURL, "blocked") {
		return models.Result{OriginalURL: rawURL, FinalURL: rawURL, Status: models.PageStatusBlocked, StrategyName: "browser", HTTPCode: 403}
	}
	return models.Result{
		OriginalURL:   rawURL,
		FinalURL:      rawURL + "/new",
		Status:        models.PageStatusRedirect,
		StrategyName:  "curl",
		HTTPCode:      301,
		RedirectCount: 1,
		Attempts:      []models.Attempt{{Strategy: "curl", Status: models.PageStatusRedirect, HTTPCode: 301}},
	}
}

func (f *fakeResolver) lastOpts() models.ResolveOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

type fakeStats struct {
	err error
}

func (f *fakeStats) Overall(context.Context, time.Time, time.Time) (stats.Overall, error) {
	return stats.Overall{Total: 4, Successful: 3, SuccessRate: 75}, f.err
}

func (f *fakeStats) SuccessRateByStrategy(context.Context, time.Time, time.Time) ([]stats.StrategyRate, error) {
	return []stats.StrategyRate{{Strategy: "curl", Total: 4, Successful: 3, SuccessRate: 75}}, f.err
}

func (f *fakeStats) StrategiesForDomain(_ context.Context, domain string, _ time.Time) ([]stats.DomainStrategy, error) {
	if domain != "example.com" {
		return nil, f.err
	}
	return []stats.DomainStrategy{{Strategy: "browser", Total: 5, Successful: 5, SuccessRate: 100}}, f.err
}

func (f *fakeStats) BestStrategyForDomain(_ context.Context, domain string, _ time.Time) (stats.DomainStrategy, bool, error) {
	if domain != "example.com" {
		return stats.DomainStrategy{}, false, f.err
	}
	return stats.DomainStrategy{Strategy: "browser", Total: 5, Successful: 5, SuccessRate: 100}, true, f.err
}

type fakeHints map[string]storage.Hint

func (f fakeHints) Lookup(_ context.Context, domain string) (storage.Hint, error) {
	if domain == "broken.example" {
		return storage.Hint{}, errors.New("badger closed")
	}
	return f[domain], nil
}

func newTestServer(t *testing.T, res *fakeResolver, st *fakeStats, hints HintLookup) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.PanicLevel)

	s, err := NewServer(&ServerConfig{
		AppConfig: &config.AppConfig{Resolve: config.ResolveConfig{MaxRedirects: 6, TimeoutMs: 4000}},
		Resolver:  res,
		Stats:     st,
		Hints:     hints,
		Transport: "stdio",
		Logger:    logger,
	})
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func callTool(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)
	_, err = NewServer(&ServerConfig{AppConfig: &config.AppConfig{}})
	assert.Error(t, err)
	_, err = NewServer(&ServerConfig{AppConfig: &config.AppConfig{}, Resolver: &fakeResolver{}})
	assert.Error(t, err)
}

func TestRun_UnknownTransport(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeStats{}, nil)
	s.cfg.Transport = "carrier-pigeon"
	assert.ErrorContains(t, s.Run(), "unknown transport")
}

func TestResolveURL(t *testing.T) {
	res := &fakeResolver{}
	s := newTestServer(t, res, &fakeStats{}, nil)

	t.Run("config defaults", func(t *testing.T) {
		out, err := s.handleResolveURL(context.Background(), callTool("resolve_url", map[string]interface{}{"url": "https://example.com/a"}))
		require.NoError(t, err)
		m := decode(t, out)
		assert.Equal(t, "https://example.com/a/new", m["final_url"])
		assert.Equal(t, "REDIRECT", m["status"])
		assert.EqualValues(t, 301, m["http_code"])
		assert.Len(t, m["attempts"], 1)

		opts := res.lastOpts()
		assert.Equal(t, 6, opts.MaxRedirects)
		assert.Equal(t, 4*time.Second, opts.Timeout)
		assert.True(t, opts.UseBrowserFallback)
	})

	t.Run("arguments override and clamp", func(t *testing.T) {
		_, err := s.handleResolveURL(context.Background(), callTool("resolve_url", map[string]interface{}{
			"url":                  "https://example.com/a",
			"max_redirects":        float64(50),
			"timeout_ms":           float64(100),
			"use_browser_fallback": false,
		}))
		require.NoError(t, err)
		opts := res.lastOpts()
		assert.Equal(t, models.MaxRedirects, opts.MaxRedirects)
		assert.Equal(t, models.MinTimeout, opts.Timeout)
		assert.False(t, opts.UseBrowserFallback)
	})

	t.Run("missing url", func(t *testing.T) {
		out, err := s.handleResolveURL(context.Background(), callTool("resolve_url", map[string]interface{}{}))
		require.NoError(t, err)
		assert.True(t, out.IsError)
	})
}

func waitForJob(t *testing.T, s *Server, jobID string, want JobStatus) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		job, _ = s.jobManager.GetJob(jobID)
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestResolveBatch_InlineWithOutputFile(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeStats{}, nil)
	outPath := filepath.Join(t.TempDir(), "out", "result.csv")

	out, err := s.handleResolveBatch(context.Background(), callTool("resolve_batch", map[string]interface{}{
		"urls":        "https://a.example/x\nhttps://blocked.example/y, https://c.example/z",
		"output_file": outPath,
	}))
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, "started", m["status"])
	assert.EqualValues(t, 3, m["total"])
	jobID := m["job_id"].(string)

	job := waitForJob(t, s, jobID, JobStatusCompleted)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 1, job.Counts[models.PageStatusBlocked])
	assert.Equal(t, outPath, job.OutputPath)

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "https://blocked.example/y")

	status, err := s.handleGetJobStatus(context.Background(), callTool("get_job_status", map[string]interface{}{"job_id": jobID}))
	require.NoError(t, err)
	sm := decode(t, status)
	assert.Equal(t, "completed", sm["status"])
	results := sm["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, "https://a.example/x", results[0].(map[string]interface{})["original_url"])
	assert.Equal(t, false, sm["results_truncated"])

	status, err = s.handleGetJobStatus(context.Background(), callTool("get_job_status", map[string]interface{}{"job_id": jobID, "max_results": float64(1)}))
	require.NoError(t, err)
	sm = decode(t, status)
	assert.Len(t, sm["results"], 1)
	assert.Equal(t, true, sm["results_truncated"])
}

func TestResolveBatch_InputFile(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeStats{}, nil)
	dir := t.TempDir()
	in := filepath.Join(dir, "links.csv")
	require.NoError(t, os.WriteFile(in, []byte("ID;URL;Model\n7;https://a.example/p;X1\n8;https://b.example/q;X2\n"), 0644))

	out, err := s.handleResolveBatch(context.Background(), callTool("resolve_batch", map[string]interface{}{
		"input_file":  in,
		"output_file": dir,
		"format":      "xlsx",
	}))
	require.NoError(t, err)
	jobID := decode(t, out)["job_id"].(string)

	job := waitForJob(t, s, jobID, JobStatusCompleted)
	assert.Equal(t, in, job.Source)
	assert.Equal(t, dir, filepath.Dir(job.OutputPath))
	assert.True(t, strings.HasSuffix(job.OutputPath, ".xlsx"))
	_, err = os.Stat(job.OutputPath)
	assert.NoError(t, err)

	items := s.jobManager.Items(jobID, 0)
	require.Len(t, items, 2)
	assert.Equal(t, "7", items[0].Row.ID)
	assert.Equal(t, "X2", items[1].Row.Model)
}

func TestResolveBatch_BadArguments(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeStats{}, nil)

	for name, args := range map[string]map[string]interface{}{
		"neither":        {},
		"both":           {"urls": "https://a.example", "input_file": "x.csv"},
		"bad format":     {"urls": "https://a.example", "format": "pdf"},
		"missing file":   {"input_file": filepath.Join(t.TempDir(), "nope.csv")},
		"blank url list": {"urls": "  \n "},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := s.handleResolveBatch(context.Background(), callTool("resolve_batch", args))
			require.NoError(t, err)
			assert.True(t, out.IsError)
		})
	}
	assert.Empty(t, s.jobManager.ListJobs())
}

func TestCancelJobTool(t *testing.T) {
	res := &fakeResolver{block: make(chan struct{})}
	s := newTestServer(t, res, &fakeStats{}, nil)

	out, err := s.handleResolveBatch(context.Background(), callTool("resolve_batch", map[string]interface{}{"urls": "https://a.example/1 https://a.example/2"}))
	require.NoError(t, err)
	jobID := decode(t, out)["job_id"].(string)

	cancelOut, err := s.handleCancelJob(context.Background(), callTool("cancel_job", map[string]interface{}{"job_id": jobID}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, cancelOut)["cancelled"])

	// The job keeps its cancelled status once the runner returns
	time.Sleep(50 * time.Millisecond)
	job, _ := s.jobManager.GetJob(jobID)
	assert.Equal(t, JobStatusCancelled, job.Status)

	again, err := s.handleCancelJob(context.Background(), callTool("cancel_job", map[string]interface{}{"job_id": jobID}))
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, again)["cancelled"])

	missing, err := s.handleCancelJob(context.Background(), callTool("cancel_job", map[string]interface{}{"job_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, missing.IsError)
}

func TestGetJobStatus_Errors(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeStats{}, nil)
	for _, args := range []map[string]interface{}{{}, {"job_id": "unknown"}} {
		out, err := s.handleGetJobStatus(context.Background(), callTool("get_job_status", args))
		require.NoError(t, err)
		assert.True(t, out.IsError)
	}
}

func TestStrategyStats(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeStats{}, nil)

	out, err := s.handleStrategyStats(context.Background(), callTool("strategy_stats", map[string]interface{}{"days": float64(2)}))
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, "2025-03-10T12:00:00Z", m["from"])
	assert.Len(t, m["strategies"], 1)
	assert.EqualValues(t, 75, m["overall"].(map[string]interface{})["success_rate"])

	out, err = s.handleStrategyStats(context.Background(), callTool("strategy_stats", map[string]interface{}{"days": float64(0)}))
	require.NoError(t, err)
	assert.True(t, out.IsError)

	failing := newTestServer(t, &fakeResolver{}, &fakeStats{err: errors.New("db gone")}, nil)
	out, err = failing.handleStrategyStats(context.Background(), callTool("strategy_stats", nil))
	require.NoError(t, err)
	assert.True(t, out.IsError)
}

func TestRecommendStrategy(t *testing.T) {
	hints := fakeHints{"cached.example": {Domain: "cached.example", Strategy: "httpclient", SuccessRate: 90}}
	s := newTestServer(t, &fakeResolver{}, &fakeStats{}, hints)

	call := func(u string) *mcp.CallToolResult {
		out, err := s.handleRecommendStrategy(context.Background(), callTool("recommend_strategy", map[string]interface{}{"url": u}))
		require.NoError(t, err)
		return out
	}

	m := decode(t, call("https://www.cached.example/page"))
	assert.Equal(t, "cached.example", m["domain"])
	assert.Equal(t, "httpclient", m["recommended"])
	assert.Equal(t, "hint_cache", m["source"])

	m = decode(t, call("https://shop.example.com/x"))
	assert.Equal(t, "example.com", m["domain"])
	assert.Equal(t, "browser", m["recommended"])
	assert.Equal(t, "statistics", m["source"])
	assert.Equal(t, "2025-02-10T12:00:00Z", m["since"])

	m = decode(t, call("https://broken.example/"))
	assert.NotContains(t, m, "recommended")
	assert.Contains(t, m, "message")

	assert.True(t, call("").IsError)
}

func TestSplitURLs(t *testing.T) {
	rows := splitURLs("https://a.example\r\nhttps://b.example, https://c.example;https://d.example\t\n")
	require.Len(t, rows, 4)
	assert.Equal(t, "https://c.example", rows[2].URL)
	assert.Equal(t, 4, rows[3].Line)
	assert.Empty(t, splitURLs(" , ;"))
}
