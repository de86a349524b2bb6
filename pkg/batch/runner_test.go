package batch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// fakeResolver derives the status from the URL path and tracks per-domain concurrency
type fakeResolver struct {
	delay     time.Duration
	calls     atomic.Int32
	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	onCall    func(n int32)
}

func newFakeResolver(delay time.Duration) *fakeResolver {
	return &fakeResolver{delay: delay, active: map[string]int{}, maxActive: map[string]int{}}
}

func (f *fakeResolver) Resolve(ctx context.Context, rawURL string, _ models.ResolveOptions) models.Result {
	n := f.calls.Add(1)
	if f.onCall != nil {
		f.onCall(n)
	}
	host := strings.Split(strings.TrimPrefix(rawURL, "https://"), "/")[0]

	f.mu.Lock()
	f.active[host]++
	if f.active[host] > f.maxActive[host] {
		f.maxActive[host] = f.active[host]
	}
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}

	f.mu.Lock()
	f.active[host]--
	f.mu.Unlock()

	status := models.PageStatusOK
	switch {
	case strings.HasSuffix(rawURL, "/moved"):
		status = models.PageStatusRedirect
	case strings.HasSuffix(rawURL, "/gone"):
		status = models.PageStatusNotFound
	case strings.HasSuffix(rawURL, "/bad"):
		status = models.PageStatusError
	}
	return models.Result{OriginalURL: rawURL, FinalURL: rawURL, Status: status, StrategyName: "curl"}
}

func rowsFor(urls ...string) []models.InputRow {
	rows := make([]models.InputRow, len(urls))
	for i, u := range urls {
		rows[i] = models.InputRow{ID: fmt.Sprintf("id-%d", i), URL: u, Model: "M" + fmt.Sprint(i), Line: i + 2}
	}
	return rows
}

func TestRun_KeepsInputOrderAndCounts(t *testing.T) {
	res := newFakeResolver(5 * time.Millisecond)
	r := NewRunner(res, config.BatchConfig{Workers: 3, MaxPerDomain: 4}, testLogger())

	rows := rowsFor(
		"https://a.example/moved",
		"https://b.example/",
		"https://c.example/gone",
		"https://d.example/bad",
		"https://e.example/",
	)
	var progressCalls atomic.Int32
	report, err := r.Run(context.Background(), rows, models.ResolveOptions{}, func(done, total int, _ models.BatchItem) {
		progressCalls.Add(1)
		assert.Equal(t, 5, total)
		assert.LessOrEqual(t, done, total)
	})
	require.NoError(t, err)

	require.Len(t, report.Items, 5)
	for i, item := range report.Items {
		assert.Equal(t, rows[i], item.Row, "row %d", i)
		assert.Equal(t, rows[i].URL, item.Result.OriginalURL)
	}
	assert.Equal(t, map[models.PageStatus]int{
		models.PageStatusOK:       2,
		models.PageStatusRedirect: 1,
		models.PageStatusNotFound: 1,
		models.PageStatusError:    1,
	}, report.Counts)
	assert.Zero(t, report.Skipped)
	assert.NotEmpty(t, report.BatchID)
	assert.EqualValues(t, 5, progressCalls.Load())
}

func TestRun_PerDomainLimit(t *testing.T) {
	res := newFakeResolver(20 * time.Millisecond)
	r := NewRunner(res, config.BatchConfig{Workers: 8, MaxPerDomain: 1}, testLogger())

	urls := make([]string, 0, 8)
	for i := 0; i < 4; i++ {
		urls = append(urls, fmt.Sprintf("https://shop.example/p%d", i), fmt.Sprintf("https://blog.example/p%d", i))
	}
	_, err := r.Run(context.Background(), rowsFor(urls...), models.ResolveOptions{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.maxActive["shop.example"])
	assert.Equal(t, 1, res.maxActive["blog.example"])
}

func TestRun_CancelStopsIssuingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := newFakeResolver(10 * time.Millisecond)
	res.onCall = func(n int32) {
		if n == 2 {
			cancel()
		}
	}
	r := NewRunner(res, config.BatchConfig{Workers: 1, MaxPerDomain: 1}, testLogger())

	urls := make([]string, 10)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/p%d", i)
	}
	report, err := r.Run(ctx, rowsFor(urls...), models.ResolveOptions{}, nil)
	require.ErrorIs(t, err, context.Canceled)

	assert.EqualValues(t, 2, res.calls.Load())
	assert.Equal(t, 8, report.Skipped)
	require.Len(t, report.Items, 10)
	last := report.Items[9]
	assert.Equal(t, models.PageStatusError, last.Result.Status)
	assert.Contains(t, last.Result.ErrorMessage, "batch canceled")
	assert.Equal(t, "https://shop.example/p9", last.Result.FinalURL)
}

func TestRun_Empty(t *testing.T) {
	r := NewRunner(newFakeResolver(0), config.BatchConfig{}, testLogger())
	report, err := r.Run(context.Background(), nil, models.ResolveOptions{}, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Items)
	assert.Equal(t, defaultWorkers, r.workers)
}
