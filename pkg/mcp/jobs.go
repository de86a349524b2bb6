package mcp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/redirect-finder/pkg/batch"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
)

// JobStatus represents the current state of a batch job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents a background batch resolution
type Job struct {
	ID           string                    `json:"id"`
	Source       string                    `json:"source"` // Input file path, or "inline" for a URL list
	Status       JobStatus                 `json:"status"`
	StartedAt    time.Time                 `json:"started_at"`
	CompletedAt  time.Time                 `json:"completed_at,omitempty"`
	Total        int                       `json:"total"`
	Processed    int                       `json:"processed"`
	Counts       map[models.PageStatus]int `json:"counts"`
	OutputPath   string                    `json:"output_path,omitempty"`
	ErrorMessage string                    `json:"error_message,omitempty"`

	report *batch.Report
	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager manages background batch jobs
type JobManager struct {
	jobs     map[string]*Job
	mu       sync.RWMutex
	bySource map[string]string // input file -> jobID for running jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[string]*Job),
		bySource: make(map[string]string),
	}
}

// CreateJob registers a pending job. A job for an input file that is already
// pending or running is returned instead of a new one; inline sources never dedupe.
func (m *JobManager) CreateJob(source string, total int) (job Job, existing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySource[source]; ok {
		if j := m.jobs[id]; j != nil && !j.Status.terminal() {
			return j.snapshot(), true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
		Total:     total,
		Counts:    make(map[models.PageStatus]int),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.jobs[j.ID] = j
	if source != sourceInline {
		m.bySource[source] = j.ID
	}
	return j.snapshot(), false
}

// snapshot copies the job so callers can read it without holding the lock
func (j *Job) snapshot() Job {
	cp := *j
	cp.Counts = make(map[models.PageStatus]int, len(j.Counts))
	for k, v := range j.Counts {
		cp.Counts[k] = v
	}
	return cp
}

// GetJob returns a copy of the job. ok is false for an unknown ID.
func (m *JobManager) GetJob(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// IsRunning checks if a job is pending or running for an input file
func (m *JobManager) IsRunning(source string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.bySource[source]; ok {
		j := m.jobs[id]
		return j != nil && !j.Status.terminal()
	}
	return false
}

// UpdateStatus updates the status of a job. A cancelled job keeps its status.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status == JobStatusCancelled {
		return
	}
	j.Status = status
	if status.terminal() {
		j.CompletedAt = time.Now()
		delete(m.bySource, j.Source)
	}
	if errorMsg != "" {
		j.ErrorMessage = errorMsg
	}
}

// RecordItem counts one finished row
func (m *JobManager) RecordItem(jobID string, done int, item models.BatchItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobID]; ok {
		j.Processed = done
		j.Counts[item.Result.Status]++
	}
}

// Finish attaches the batch report and output path to a job
func (m *JobManager) Finish(jobID string, report *batch.Report, outputPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobID]; ok {
		j.report = report
		j.OutputPath = outputPath
		if report != nil {
			j.Counts = make(map[models.PageStatus]int, len(report.Counts))
			for k, v := range report.Counts {
				j.Counts[k] = v
			}
		}
	}
}

// Items returns up to limit resolved items of a finished job, in input order
func (m *JobManager) Items(jobID string, limit int) []models.BatchItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok || j.report == nil {
		return nil
	}
	items := j.report.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]models.BatchItem(nil), items...)
}

// CancelJob cancels a pending or running job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobID]; ok && !j.Status.terminal() {
		j.cancel()
		j.Status = JobStatusCancelled
		j.CompletedAt = time.Now()
		delete(m.bySource, j.Source)
		return true
	}
	return false
}

// CancelAll cancels all running jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if !j.Status.terminal() {
			j.cancel()
			j.Status = JobStatusCancelled
			j.CompletedAt = time.Now()
		}
	}
	m.bySource = make(map[string]string)
}

// ListJobs returns copies of all jobs, oldest first
func (m *JobManager) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.snapshot())
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].StartedAt.Before(jobs[k].StartedAt) })
	return jobs
}

// GetContext returns the context for a job
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if j, ok := m.jobs[jobID]; ok {
		return j.ctx
	}
	return context.Background()
}
