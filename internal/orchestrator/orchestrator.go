// Package orchestrator spawns connector workers as child processes and keeps
// a table of the jobs it started.
package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/metrics"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

var (
	// ErrLaunch is returned when the worker process cannot be started.
	ErrLaunch = errors.New("launch worker")
	// ErrJobNotFound is returned for an unknown process id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when removing a job that has not finished.
	ErrJobRunning = errors.New("job still running")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("orchestrator closed")
)

// Status is the lifecycle state of a job.
type Status string

// Job statuses.
const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

const (
	defaultStopGrace  = 5 * time.Second
	maxLogLineBytes   = 1 << 20
	initialLineBuffer = 64 * 1024
)

// Validator reports whether a connector name can be launched.
type Validator interface {
	Has(name string) bool
}

// Config controls how workers are launched.
type Config struct {
	// Launcher is the executable started for every job. Empty means the
	// running binary.
	Launcher string
	// LauncherArgs precede the connector flags. Defaults to ["launch"].
	LauncherArgs []string
	// DataRoot is where default target directories are created.
	DataRoot string
	// CallerAddress fills client_address when a request omits it.
	CallerAddress string
	// WorkDir is the working directory of the child process.
	WorkDir string
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

func (c Config) withDefaults() Config {
	if c.Launcher == "" {
		if exe, err := os.Executable(); err == nil {
			c.Launcher = exe
		}
	}
	if c.LauncherArgs == nil {
		c.LauncherArgs = []string{"launch"}
	}
	if c.DataRoot == "" {
		c.DataRoot = "data"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	return c
}

// ProcessStats is a point-in-time sample of a running worker.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// Job describes one spawned worker.
type Job struct {
	ProcessID     int              `json:"process_id"`
	ConnectorName string           `json:"connector_name"`
	Params        connector.Params `json:"params"`
	StartTime     time.Time        `json:"start_time"`
	Status        Status           `json:"status"`
	ExitCode      *int             `json:"exit_code,omitempty"`
	EndTime       *time.Time       `json:"end_time,omitempty"`
	Error         string           `json:"error,omitempty"`
	Stats         *ProcessStats    `json:"process_stats,omitempty"`
}

// StartResult is returned to the caller of StartJob.
type StartResult struct {
	ProcessID     int    `json:"process_id"`
	ConnectorName string `json:"connector_name"`
}

type entry struct {
	info     Job
	cmd      *exec.Cmd
	done     chan struct{}
	outputs  []io.Closer
	stopping bool
}

// Orchestrator owns the process table.
type Orchestrator struct {
	cfg       Config
	validator Validator
	logger    *zap.Logger

	mu     sync.Mutex
	jobs   map[int]*entry
	closed bool
	reaped sync.WaitGroup
}

// New creates an Orchestrator. validator is consulted before every spawn.
func New(cfg Config, validator Validator, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		validator: validator,
		logger:    logger,
		jobs:      make(map[int]*entry),
	}
}

// StartJob launches a worker for name and returns as soon as the process is
// running. Output is logged and the exit status recorded in the background.
func (o *Orchestrator) StartJob(ctx context.Context, name string, params connector.Params) (StartResult, error) {
	if err := ctx.Err(); err != nil {
		return StartResult{}, fmt.Errorf("start job %q: %w", name, err)
	}
	if o.validator != nil && !o.validator.Has(name) {
		return StartResult{}, fmt.Errorf("start job %q: %w", name, registry.ErrNotFound)
	}
	launcher, err := o.resolveLauncher()
	if err != nil {
		return StartResult{}, err
	}

	params = params.Clone()
	target := params.String(connector.ParamTargetDirectory)
	if target == "" {
		target = filepath.Join(o.cfg.DataRoot, name)
		params[connector.ParamTargetDirectory] = target
	}
	if err := os.MkdirAll(target, 0o750); err != nil {
		return StartResult{}, fmt.Errorf("create target directory %q: %w", target, err)
	}
	if params.String(connector.ParamClientAddress) == "" && o.cfg.CallerAddress != "" {
		params[connector.ParamClientAddress] = o.cfg.CallerAddress
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return StartResult{}, fmt.Errorf("encode params: %w", err)
	}

	args := append([]string(nil), o.cfg.LauncherArgs...)
	args = append(args, "--connector", name, "--params", string(encoded))
	if addr := params.String(connector.ParamClientAddress); addr != "" {
		args = append(args, "--caller-address", addr)
	}
	// The worker outlives the request, so it is not bound to ctx.
	cmd := exec.Command(launcher, args...) //nolint:gosec // launcher comes from configuration
	cmd.Dir = o.cfg.WorkDir
	cmd.Env = append(os.Environ(), o.cfg.Env...)
	// Workers lead their own process group so Stop reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds Wait when a descendant still holds the output pipes.
	cmd.WaitDelay = o.cfg.StopGrace
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return StartResult{}, ErrClosed
	}
	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return StartResult{}, fmt.Errorf("%w: %s: %w", ErrLaunch, launcher, err)
	}
	pid := cmd.Process.Pid
	e := &entry{
		info: Job{
			ProcessID:     pid,
			ConnectorName: name,
			Params:        params,
			StartTime:     time.Now().UTC(),
			Status:        StatusRunning,
		},
		cmd:     cmd,
		done:    make(chan struct{}),
		outputs: []io.Closer{stdoutW, stderrW},
	}
	o.jobs[pid] = e
	o.reaped.Add(1)
	go o.reap(e, stdout, stderr)

	metrics.ObserveJobStarted(name)
	o.logger.Info("worker started",
		zap.Int("pid", pid),
		zap.String("connector", name),
		zap.String("target_directory", target),
	)
	return StartResult{ProcessID: pid, ConnectorName: name}, nil
}

func (o *Orchestrator) resolveLauncher() (string, error) {
	launcher := o.cfg.Launcher
	if launcher == "" {
		return "", fmt.Errorf("%w: no launcher configured", ErrLaunch)
	}
	if strings.ContainsRune(launcher, filepath.Separator) || strings.ContainsRune(launcher, '/') {
		info, err := os.Stat(launcher)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrLaunch, launcher)
		}
		return launcher, nil
	}
	path, err := exec.LookPath(launcher)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	return path, nil
}

func (o *Orchestrator) reap(e *entry, stdout, stderr io.Reader) {
	defer o.reaped.Done()
	pid := e.info.ProcessID
	name := e.info.ConnectorName

	var drains sync.WaitGroup
	drains.Add(2)
	go o.drain(&drains, pid, name, "stdout", stdout)
	go o.drain(&drains, pid, name, "stderr", stderr)
	waitErr := e.cmd.Wait()
	for _, w := range e.outputs {
		_ = w.Close()
	}
	drains.Wait()

	o.mu.Lock()
	stopping := e.stopping
	o.mu.Unlock()
	if stopping {
		// Descendants that outlived the worker go with it.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	o.mu.Lock()
	end := time.Now().UTC()
	e.info.EndTime = &end
	code := e.cmd.ProcessState.ExitCode()
	e.info.ExitCode = &code
	switch {
	case e.stopping:
		e.info.Status = StatusStopped
	case waitErr != nil:
		e.info.Status = StatusFailed
		e.info.Error = waitErr.Error()
	default:
		e.info.Status = StatusExited
	}
	status := e.info.Status
	close(e.done)
	o.mu.Unlock()

	metrics.ObserveJobFinished(name, string(status))
	o.logger.Info("worker finished",
		zap.Int("pid", pid),
		zap.String("connector", name),
		zap.String("status", string(status)),
		zap.Int("exit_code", code),
	)
}

func (o *Orchestrator) drain(wg *sync.WaitGroup, pid int, name, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLogLineBytes)
	for scanner.Scan() {
		o.logger.Info(fmt.Sprintf("[%s] %s", name, scanner.Text()),
			zap.Int("pid", pid),
			zap.String("stream", stream),
		)
	}
	if err := scanner.Err(); err != nil {
		o.logger.Warn("worker output reader stopped", zap.Int("pid", pid), zap.String("stream", stream), zap.Error(err))
		// Keep the pipe empty so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}

// Jobs returns every known job ordered by start time.
func (o *Orchestrator) Jobs() []Job {
	o.mu.Lock()
	out := make([]Job, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, e.info)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ProcessID < out[j].ProcessID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Job returns one job. Running jobs carry a fresh resource sample.
func (o *Orchestrator) Job(pid int) (Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[pid]
	var info Job
	if ok {
		info = e.info
	}
	o.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("pid %d: %w", pid, ErrJobNotFound)
	}
	if info.Status == StatusRunning {
		info.Stats = sample(pid)
	}
	return info, nil
}

func sample(pid int) *ProcessStats {
	proc, err := process.NewProcess(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil
	}
	stats := &ProcessStats{}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := proc.NumThreads(); err == nil {
		stats.Threads = threads
	}
	return stats
}

// Stop asks a running worker to terminate and kills it after the grace
// period. Stopping a finished job is a no-op.
func (o *Orchestrator) Stop(pid int) error {
	o.mu.Lock()
	e, ok := o.jobs[pid]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("pid %d: %w", pid, ErrJobNotFound)
	}
	if e.info.Status != StatusRunning || e.stopping {
		o.mu.Unlock()
		return nil
	}
	e.stopping = true
	o.mu.Unlock()

	o.terminate(e)
	return nil
}

func (o *Orchestrator) terminate(e *entry) {
	pid := e.info.ProcessID
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		_ = signalGroup(pid, syscall.SIGKILL)
		return
	}
	go func() {
		timer := time.NewTimer(o.cfg.StopGrace)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
			o.logger.Warn("worker ignored SIGTERM, killing", zap.Int("pid", pid))
			_ = signalGroup(pid, syscall.SIGKILL)
		}
	}()
}

// signalGroup signals the worker's process group, falling back to the
// worker alone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Remove forgets a finished job.
func (o *Orchestrator) Remove(pid int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrJobNotFound)
	}
	if e.info.Status == StatusRunning {
		return fmt.Errorf("pid %d: %w", pid, ErrJobRunning)
	}
	delete(o.jobs, pid)
	return nil
}

// Wait blocks until the job finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, pid int) (Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[pid]
	o.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("pid %d: %w", pid, ErrJobNotFound)
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Job{}, fmt.Errorf("wait pid %d: %w", pid, ctx.Err())
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.info, nil
}

// Close stops every running worker and waits for the reapers.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	var running []*entry
	for _, e := range o.jobs {
		if e.info.Status == StatusRunning && !e.stopping {
			e.stopping = true
			running = append(running, e)
		}
	}
	o.mu.Unlock()

	for _, e := range running {
		o.terminate(e)
	}

	done := make(chan struct{})
	go func() {
		o.reaped.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator close wait: %w", ctx.Err())
	}
}
