package meta

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// JobExecutor runs one admin job against the storage hosts. The meta
// service fans the work out; cancellation of the context is the stop
// signal relayed to every host still running a task.
type JobExecutor interface {
	Run(ctx context.Context, job *JobDesc) error
}

// JobExecutorFunc adapts a function to JobExecutor.
type JobExecutorFunc func(ctx context.Context, job *JobDesc) error

func (f JobExecutorFunc) Run(ctx context.Context, job *JobDesc) error { return f(ctx, job) }

// JobManager drives admin jobs through Queued -> Running -> {Finished,
// Failed, Stopped}.
type JobManager struct {
	svc    *Service
	logger zerolog.Logger

	mu        sync.Mutex
	executors map[string]JobExecutor
	running   map[types.JobID]context.CancelFunc
	queue     chan types.JobID
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// NewJobManager creates the manager; Start launches its runner loop.
func NewJobManager(svc *Service) *JobManager {
	return &JobManager{
		svc:       svc,
		logger:    log.WithComponent("jobmanager"),
		executors: make(map[string]JobExecutor),
		running:   make(map[types.JobID]context.CancelFunc),
		queue:     make(chan types.JobID, 64),
		stopCh:    make(chan struct{}),
	}
}

// RegisterExecutor binds a command name to its executor.
func (m *JobManager) RegisterExecutor(command string, ex JobExecutor) {
	m.mu.Lock()
	m.executors[command] = ex
	m.mu.Unlock()
}

// Start launches the runner loop.
func (m *JobManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	m.wg.Add(1)
	go m.run()
}

// Stop cancels running jobs and halts the loop.
func (m *JobManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
}

// Submit queues a job. With dedupe set, a currently queued or running job
// with the same command and parameters is returned instead of a new one.
func (m *JobManager) Submit(space types.GraphSpaceID, command string, params []string, dedupe bool) (*JobDesc, error) {
	if dedupe {
		jobs, err := m.svc.store.ListJobs()
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if (j.Status == JobQueued || j.Status == JobRunning) &&
				j.Space == space && j.Command == command && sameParams(j.Params, params) {
				return j, nil
			}
		}
	}
	job := JobDesc{
		Space:     space,
		Command:   command,
		Params:    params,
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	id, err := m.svc.apply("save_job", &job)
	if err != nil {
		return nil, err
	}
	job.ID = id
	select {
	case m.queue <- job.ID:
	default:
		return nil, status.New(status.ErrBufferOverflow, "job queue full")
	}
	return &job, nil
}

// StopJob cancels a queued or running job; the cancellation propagates as
// stop-task signals to every storage host still working on it.
func (m *JobManager) StopJob(id types.JobID) error {
	m.mu.Lock()
	cancel, isRunning := m.running[id]
	m.mu.Unlock()
	if isRunning {
		cancel()
		return nil
	}
	job, err := m.svc.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != JobQueued {
		return status.New(status.ErrUnsupported, "job %d is %s", id, job.Status)
	}
	job.Status = JobStopped
	job.StoppedAt = time.Now().UTC()
	_, err = m.svc.apply("save_job", job)
	return err
}

func (m *JobManager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case id := <-m.queue:
			m.runJob(id)
		}
	}
}

func (m *JobManager) runJob(id types.JobID) {
	job, err := m.svc.store.GetJob(id)
	if err != nil {
		m.logger.Error().Err(err).Int32("job", id).Msg("Queued job vanished")
		return
	}
	if job.Status != JobQueued {
		return
	}

	m.mu.Lock()
	ex := m.executors[job.Command]
	m.mu.Unlock()
	if ex == nil {
		m.finish(job, JobFailed)
		m.logger.Error().Str("command", job.Command).Msg("No executor for job command")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running[job.ID] = cancel
	m.mu.Unlock()

	job.Status = JobRunning
	if _, err := m.svc.apply("save_job", job); err != nil {
		m.logger.Error().Err(err).Int32("job", job.ID).Msg("Failed to mark job running")
	}

	err = ex.Run(ctx, job)
	stopped := ctx.Err() != nil

	m.mu.Lock()
	delete(m.running, job.ID)
	m.mu.Unlock()
	cancel()

	switch {
	case stopped:
		m.finish(job, JobStopped)
	case err != nil:
		m.logger.Error().Err(err).Int32("job", job.ID).Msg("Job failed")
		m.finish(job, JobFailed)
	default:
		m.finish(job, JobFinished)
	}
}

func (m *JobManager) finish(job *JobDesc, st JobStatus) {
	job.Status = st
	job.StoppedAt = time.Now().UTC()
	if _, err := m.svc.apply("save_job", job); err != nil {
		m.logger.Error().Err(err).Int32("job", job.ID).Msg("Failed to persist job status")
	}
}

func sameParams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
