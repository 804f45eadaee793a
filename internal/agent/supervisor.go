// Package agent implements the hetuflow agent: it keeps a control-plane
// websocket to a server, runs dispatched tasks as supervised child processes
// and reports their status and output back.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

var (
	ErrProcessExists   = errors.New("process instance already exists")
	ErrProcessNotFound = errors.New("process instance not found")
	ErrAtCapacity      = errors.New("agent at capacity")
	ErrSupervisorDown  = errors.New("supervisor is shutting down")
)

const (
	eventBuffer    = 1024
	logLineBuffer  = 4096
	maxLineBytes   = 1 << 20
	waitDelay      = 5 * time.Second
	shutdownMargin = 5 * time.Second
)

// ProcessSpec describes one child process to start.
type ProcessSpec struct {
	InstanceID    string
	TaskID        string
	JobID         string
	Cmd           string
	Args          []string
	Env           map[string]string
	WorkDir       string
	Timeout       time.Duration
	Limits        *models.ResourceLimits
	MaxOutput     int64
	CaptureOutput bool
}

// ProcessInfo is a snapshot of a supervised process.
type ProcessInfo struct {
	InstanceID  string                 `json:"instance_id"`
	TaskID      string                 `json:"task_id"`
	PID         int                    `json:"pid"`
	Status      protocol.ProcessStatus `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ExitCode    *int                   `json:"exit_code,omitempty"`
	Timeout     time.Duration          `json:"timeout"`
}

// LogLine is one line of child output with its per-instance sequence.
type LogLine struct {
	InstanceID string
	TaskID     string
	Entry      protocol.LogEntry
}

type process struct {
	spec ProcessSpec
	cmd  *exec.Cmd

	mu   sync.Mutex
	info ProcessInfo

	exited   chan struct{}
	killing  atomic.Bool
	finished atomic.Bool
	reason   protocol.KillReason

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	seq         atomic.Uint64
	outputBytes atomic.Int64
	truncated   atomic.Bool
	outMu       sync.Mutex
	output      []byte
	readers     sync.WaitGroup
}

func (p *process) snapshot() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// ProcessSupervisor owns every child process started on this agent. Each
// started process yields exactly one terminal ProcessEvent, whichever of
// natural exit, kill or zombie detection observes it first.
type ProcessSupervisor struct {
	cfg      *config.ProcessSection
	maxProcs int

	mu       sync.Mutex
	active   map[string]*process
	shutdown bool

	events  chan protocol.ProcessEvent
	logs    chan LogLine
	stopped chan struct{}
	wg      sync.WaitGroup

	isZombie func(pid int) bool
	now      func() time.Time
}

func NewProcessSupervisor(cfg *config.ProcessSection, maxProcs int) *ProcessSupervisor {
	return &ProcessSupervisor{
		cfg:      cfg,
		maxProcs: maxProcs,
		active:   make(map[string]*process),
		events:   make(chan protocol.ProcessEvent, eventBuffer),
		logs:     make(chan LogLine, logLineBuffer),
		stopped:  make(chan struct{}),
		isZombie: isZombie,
		now:      time.Now,
	}
}

// Events delivers lifecycle events in emission order.
func (s *ProcessSupervisor) Events() <-chan protocol.ProcessEvent { return s.events }

// Logs delivers captured output lines.
func (s *ProcessSupervisor) Logs() <-chan LogLine { return s.logs }

// Stopped is closed once Shutdown has finished; no events follow it.
func (s *ProcessSupervisor) Stopped() <-chan struct{} { return s.stopped }

// Spawn starts spec as a new process group and registers it as Running.
func (s *ProcessSupervisor) Spawn(ctx context.Context, spec ProcessSpec) (*ProcessInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Cmd == "" {
		return nil, errors.New("empty command")
	}

	p, err := s.start(spec)
	if err != nil {
		return nil, err
	}

	logger.Infof("[Supervisor] Spawned instance %s, pid: %d, cmd: %s", spec.InstanceID, p.info.PID, spec.Cmd)
	s.emit(protocol.ProcessEvent{
		InstanceID: spec.InstanceID,
		TaskID:     spec.TaskID,
		Kind:       protocol.ProcessStarted,
		PID:        p.info.PID,
		At:         p.info.StartedAt,
	})

	p.readers.Add(2)
	go s.readOutput(p, p.stdoutR, protocol.StreamStdout)
	go s.readOutput(p, p.stderrR, protocol.StreamStderr)
	go s.wait(p)

	info := p.snapshot()
	return &info, nil
}

// start launches the command and registers it under s.mu so capacity and
// duplicate checks cannot race with another Spawn.
func (s *ProcessSupervisor) start(spec ProcessSpec) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, ErrSupervisorDown
	}
	if _, ok := s.active[spec.InstanceID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessExists, spec.InstanceID)
	}
	if s.maxProcs > 0 && len(s.active) >= s.maxProcs {
		return nil, fmt.Errorf("%w: %d/%d processes running", ErrAtCapacity, len(s.active), s.maxProcs)
	}

	if spec.WorkDir != "" {
		if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir %s: %w", spec.WorkDir, err)
		}
	}

	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	p := &process{spec: spec, cmd: cmd, exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW

	if err := cmd.Start(); err != nil {
		p.stdoutW.Close()
		p.stderrW.Close()
		return nil, fmt.Errorf("spawn %s: %w", spec.Cmd, err)
	}

	pid := cmd.Process.Pid
	if err := applyLimits(pid, spec.Limits); err != nil {
		logger.Warn().Err(err).Str("instance", spec.InstanceID).Int("pid", pid).Msg("[Supervisor] Resource limits not applied")
	}

	p.info = ProcessInfo{
		InstanceID: spec.InstanceID,
		TaskID:     spec.TaskID,
		PID:        pid,
		Status:     protocol.ProcessStatusRunning,
		StartedAt:  s.now(),
		Timeout:    spec.Timeout,
	}
	s.active[spec.InstanceID] = p
	s.wg.Add(1)
	return p, nil
}

func (s *ProcessSupervisor) readOutput(p *process, r *io.PipeReader, stream protocol.LogStream) {
	defer p.readers.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if p.spec.MaxOutput > 0 && p.outputBytes.Add(int64(len(line)+1)) > p.spec.MaxOutput {
			if p.truncated.CompareAndSwap(false, true) {
				logger.Warnf("[Supervisor] Output of instance %s exceeded %d bytes, dropping the rest", p.spec.InstanceID, p.spec.MaxOutput)
			}
			continue
		}
		if p.spec.CaptureOutput {
			p.outMu.Lock()
			p.output = append(p.output, line...)
			p.output = append(p.output, '\n')
			p.outMu.Unlock()
		}

		entry := protocol.LogEntry{
			Sequence:  p.seq.Add(1),
			Stream:    stream,
			Line:      line,
			Timestamp: s.now().UnixMilli(),
		}
		select {
		case s.logs <- LogLine{InstanceID: p.spec.InstanceID, TaskID: p.spec.TaskID, Entry: entry}:
		default:
			// the server notices the sequence gap
			logger.Debugf("[Supervisor] Log line %d of %s dropped", entry.Sequence, p.spec.InstanceID)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("[Supervisor] Reading %s of %s failed: %v", stream, p.spec.InstanceID, err)
		io.Copy(io.Discard, r)
	}
}

// wait reaps the child. A natural exit is reported here unless a kill is in
// progress, in which case the kill path reports it.
func (s *ProcessSupervisor) wait(p *process) {
	defer s.wg.Done()

	err := p.cmd.Wait()
	p.stdoutW.Close()
	p.stderrW.Close()
	p.readers.Wait()
	close(p.exited)

	if p.killing.Load() {
		return
	}

	s.mu.Lock()
	if cur, ok := s.active[p.spec.InstanceID]; ok && cur == p {
		delete(s.active, p.spec.InstanceID)
	}
	s.mu.Unlock()

	kind := protocol.ProcessExited
	msg := ""
	if sig, ok := exitSignal(p.cmd.ProcessState); ok {
		msg = "terminated by signal " + sig
		if isLimitSignal(sig, p.spec.Limits) {
			kind = protocol.ProcessResourceViolation
			msg = "resource limit exceeded: " + sig
		}
	} else if err != nil && p.cmd.ProcessState == nil {
		msg = err.Error()
	}
	s.finish(p, kind, protocol.ProcessStatusExited, msg)
}

// isLimitSignal reports whether a child killed by sig ran into its rlimits:
// SIGXCPU at the soft CPU limit, SIGKILL at the hard one.
func isLimitSignal(sig string, limits *models.ResourceLimits) bool {
	if sig == "SIGXCPU" {
		return true
	}
	return sig == "SIGKILL" && limits != nil && (limits.MaxCPUSeconds > 0 || limits.MaxMemoryMB > 0)
}

// finish emits the single terminal event of p.
func (s *ProcessSupervisor) finish(p *process, kind protocol.ProcessEventKind, status protocol.ProcessStatus, msg string) {
	if !p.finished.CompareAndSwap(false, true) {
		return
	}

	now := s.now()
	var exitCode *int
	select {
	case <-p.exited:
		if state := p.cmd.ProcessState; state != nil {
			code := state.ExitCode()
			exitCode = &code
		}
	default:
		// not reaped yet
	}

	p.mu.Lock()
	p.info.Status = status
	p.info.CompletedAt = &now
	p.info.ExitCode = exitCode
	reason := p.reason
	p.mu.Unlock()

	var output string
	if p.spec.CaptureOutput {
		p.outMu.Lock()
		output = string(p.output)
		p.outMu.Unlock()
	}

	logger.Info().
		Str("instance", p.spec.InstanceID).
		Str("kind", string(kind)).
		Str("reason", string(reason)).
		Msg("[Supervisor] Process finished")

	s.emit(protocol.ProcessEvent{
		InstanceID: p.spec.InstanceID,
		TaskID:     p.spec.TaskID,
		Kind:       kind,
		PID:        p.info.PID,
		ExitCode:   exitCode,
		Reason:     reason,
		Message:    msg,
		Output:     output,
		At:         now,
	})
}

func (s *ProcessSupervisor) emit(ev protocol.ProcessEvent) {
	select {
	case s.events <- ev:
	case <-s.stopped:
		logger.Warnf("[Supervisor] %s event of %s dropped after shutdown", ev.Kind, ev.InstanceID)
	}
}

// Kill removes the instance from the active map and terminates its process
// group in the background: SIGTERM, then SIGKILL after kill_grace.
func (s *ProcessSupervisor) Kill(instanceID string, reason protocol.KillReason) error {
	s.mu.Lock()
	p, ok := s.active[instanceID]
	if ok {
		delete(s.active, instanceID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, instanceID)
	}

	p.mu.Lock()
	p.reason = reason
	p.mu.Unlock()
	p.killing.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.terminate(p)
	}()
	return nil
}

func (s *ProcessSupervisor) terminate(p *process) {
	status := protocol.ProcessStatusKilled
	if p.reason == protocol.KillReasonTimeout {
		status = protocol.ProcessStatusTimeout
	}
	grace, hard := s.cfg.KillGrace, s.cfg.KillHardLimit
	proc := p.cmd.Process

	if !twoPhaseKill {
		signalKill(proc)
		select {
		case <-p.exited:
			s.finish(p, protocol.ProcessSigkill, status, "")
		case <-time.After(hard):
			s.finish(p, protocol.ProcessSigkill, status, "process did not exit after kill")
		}
		return
	}

	if err := signalTerm(proc); err != nil {
		// already gone; report what the reaper saw
		select {
		case <-p.exited:
		case <-time.After(hard):
		}
		s.finish(p, protocol.ProcessExited, protocol.ProcessStatusExited, "")
		return
	}

	select {
	case <-p.exited:
		s.finish(p, protocol.ProcessSigterm, status, "")
		return
	case <-time.After(grace):
	}

	logger.Warnf("[Supervisor] Instance %s ignored SIGTERM for %v, sending SIGKILL", p.spec.InstanceID, grace)
	signalKill(proc)
	select {
	case <-p.exited:
		s.finish(p, protocol.ProcessSigkill, status, "")
	case <-time.After(hard - grace):
		s.finish(p, protocol.ProcessSigkill, status, "process did not exit after SIGKILL")
	}
}

// CleanupTimeouts kills running processes past their timeout.
func (s *ProcessSupervisor) CleanupTimeouts() []string {
	now := s.now()

	s.mu.Lock()
	var expired []string
	for id, p := range s.active {
		info := p.snapshot()
		if info.Status == protocol.ProcessStatusRunning && info.Timeout > 0 && now.Sub(info.StartedAt) > info.Timeout {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		logger.Warnf("[Supervisor] Instance %s exceeded its timeout, killing", id)
		if err := s.Kill(id, protocol.KillReasonTimeout); err != nil && !errors.Is(err, ErrProcessNotFound) {
			logger.Errorf("[Supervisor] Kill %s failed: %v", id, err)
		}
	}
	return expired
}

// CleanupZombies drops processes the OS reports as zombies.
func (s *ProcessSupervisor) CleanupZombies() []string {
	s.mu.Lock()
	var zombies []*process
	for id, p := range s.active {
		if s.isZombie(p.info.PID) {
			zombies = append(zombies, p)
			delete(s.active, id)
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(zombies))
	for _, p := range zombies {
		logger.Warnf("[Supervisor] Instance %s (pid %d) became a zombie", p.spec.InstanceID, p.info.PID)
		s.finish(p, protocol.ProcessBecameZombie, protocol.ProcessStatusZombie, "process became a zombie")
		ids = append(ids, p.spec.InstanceID)
	}
	return ids
}

// Running returns the active processes ordered by start time.
func (s *ProcessSupervisor) Running() []ProcessInfo {
	s.mu.Lock()
	out := make([]ProcessInfo, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, p.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *ProcessSupervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// AvailableCapacity is how many more processes Spawn accepts.
func (s *ProcessSupervisor) AvailableCapacity() int {
	if s.maxProcs <= 0 {
		return 1
	}
	if n := s.maxProcs - s.Count(); n > 0 {
		return n
	}
	return 0
}

// LoadFactor is the share of process slots in use.
func (s *ProcessSupervisor) LoadFactor() float64 {
	if s.maxProcs <= 0 {
		return 0
	}
	return float64(s.Count()) / float64(s.maxProcs)
}

// Run drives the timeout and zombie sweeps until ctx is done, then kills
// every remaining process.
func (s *ProcessSupervisor) Run(ctx context.Context) error {
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()
	zombies := time.NewTicker(s.cfg.ZombieCheckInterval)
	defer zombies.Stop()

	logger.Infof("[Supervisor] Started, cleanup: %v, zombie check: %v", s.cfg.CleanupInterval, s.cfg.ZombieCheckInterval)
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-cleanup.C:
			s.CleanupTimeouts()
		case <-zombies.C:
			s.CleanupZombies()
		}
	}
}

// Shutdown refuses new processes, kills the running ones and waits for them
// up to the kill escalation window.
func (s *ProcessSupervisor) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		logger.Infof("[Supervisor] Killing %d processes on shutdown", len(ids))
	}
	for _, id := range ids {
		s.Kill(id, protocol.KillReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.KillHardLimit + shutdownMargin):
		logger.Warnf("[Supervisor] Processes still running after %v", s.cfg.KillHardLimit+shutdownMargin)
	}
	close(s.stopped)
}
