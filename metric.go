package jobqueue

import (
	"log/slog"
	"sync"
	"time"
)

// Metrics counts what one consumer loop did since it started.
type Metrics struct {
	workerID string
	jobType  string

	processed       int64
	errors          int64
	storeErrors     int64
	totalProcessing time.Duration
	startTime       time.Time
	mu              sync.Mutex
}

func NewMetrics(workerID, jobType string) *Metrics {
	return &Metrics{
		workerID:  workerID,
		jobType:   jobType,
		startTime: time.Now(),
	}
}

func (m *Metrics) GetWorkerID() string {
	return m.workerID
}

func (m *Metrics) GetJobType() string {
	return m.jobType
}

func (m *Metrics) IncProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
}

func (m *Metrics) IncErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// IncStoreErrors counts source calls that failed inside the loop.
func (m *Metrics) IncStoreErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeErrors++
}

func (m *Metrics) RecordProcessingTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalProcessing += duration
}

func (m *Metrics) GetProcessed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}

func (m *Metrics) GetErrors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors
}

func (m *Metrics) GetStoreErrors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeErrors
}

// GetAverageProcessingTime averages over every handled job, failed ones included.
func (m *Metrics) GetAverageProcessingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	handled := m.processed + m.errors
	if handled == 0 {
		return 0
	}
	return m.totalProcessing / time.Duration(handled)
}

func (m *Metrics) GetTasksPerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.processed) / elapsed
}

func (m *Metrics) GetTasksPerMinute() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.startTime).Minutes()
	if elapsed == 0 {
		return 0
	}
	return float64(m.processed) / elapsed
}

func (m *Metrics) LogValue() slog.Value {
	avg := m.GetAverageProcessingTime()
	perSecond := m.GetTasksPerSecond()
	perMinute := m.GetTasksPerMinute()

	m.mu.Lock()
	defer m.mu.Unlock()

	return slog.GroupValue(
		slog.String("worker_id", m.GetWorkerID()),
		slog.String("job_type", m.GetJobType()),
		slog.Int64("processed", m.processed),
		slog.Int64("errors", m.errors),
		slog.Int64("store_errors", m.storeErrors),
		slog.Duration("avg_processing", avg),
		slog.Float64("tasks_per_second", perSecond),
		slog.Float64("tasks_per_minute", perMinute),
		slog.Duration("elapsed", time.Since(m.startTime)),
	)
}
