package services

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const maxRotatedLogFiles = 5

type taskLogFile struct {
	file *os.File
	buf  *bufio.Writer
	size int64
}

// LogReceiver stores task output forwarded by agents, one file per task
// instance and day.
type LogReceiver struct {
	cfg     *config.TaskLogConfig
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	files   map[string]*taskLogFile
	lastSeq map[string]uint64
}

func NewLogReceiver(cfg *config.TaskLogConfig, metrics *Metrics) (*LogReceiver, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task log dir %s: %w", cfg.Dir, err)
	}
	return &LogReceiver{
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		files:   make(map[string]*taskLogFile),
		lastSeq: make(map[string]uint64),
	}, nil
}

// Path returns today's log file of a task instance.
func (r *LogReceiver) Path(taskID, instanceID string) string {
	name := fmt.Sprintf("%s_%s_%s.log", taskID, instanceID, r.now().Format("20060102"))
	return filepath.Join(r.cfg.Dir, name)
}

// Write appends a batch. Entries at or below the last stored sequence of
// the instance are dropped as duplicates; a jump past the next expected
// sequence is logged and counted as a gap.
func (r *LogReceiver) Write(batch *protocol.TaskLogBatch) error {
	if len(batch.Entries) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.Path(batch.TaskID, batch.TaskInstanceID)
	lf, err := r.open(path)
	if err != nil {
		return err
	}

	last := r.lastSeq[batch.TaskInstanceID]
	for _, entry := range batch.Entries {
		if entry.Sequence <= last {
			continue
		}
		if entry.Sequence != last+1 {
			logger.Warn().
				Str("instance", batch.TaskInstanceID).
				Uint64("expected", last+1).
				Uint64("got", entry.Sequence).
				Msg("[LogReceiver] Sequence gap")
			r.metrics.LogSequenceGap()
		}
		last = entry.Sequence

		line := formatLogLine(entry)
		if r.cfg.MaxFileBytes > 0 && lf.size+int64(len(line)) > r.cfg.MaxFileBytes && lf.size > 0 {
			if lf, err = r.rotate(path); err != nil {
				return err
			}
		}
		n, err := lf.buf.WriteString(line)
		lf.size += int64(n)
		if err != nil {
			return fmt.Errorf("write task log %s: %w", path, err)
		}
	}
	r.lastSeq[batch.TaskInstanceID] = last
	return lf.buf.Flush()
}

func formatLogLine(entry protocol.LogEntry) string {
	at := time.UnixMilli(entry.Timestamp).UTC().Format(time.RFC3339Nano)
	return fmt.Sprintf("%s [%s] #%d %s\n", at, entry.Stream, entry.Sequence, strings.TrimRight(entry.Line, "\r\n"))
}

func (r *LogReceiver) open(path string) (*taskLogFile, error) {
	if lf, ok := r.files[path]; ok {
		return lf, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	lf := &taskLogFile{file: f, buf: bufio.NewWriter(f), size: info.Size()}
	r.files[path] = lf
	return lf, nil
}

// rotate shifts path.N to path.N+1, moves path to path.1 and reopens path.
func (r *LogReceiver) rotate(path string) (*taskLogFile, error) {
	if lf, ok := r.files[path]; ok {
		lf.buf.Flush()
		lf.file.Close()
		delete(r.files, path)
	}

	os.Remove(fmt.Sprintf("%s.%d", path, maxRotatedLogFiles))
	for i := maxRotatedLogFiles - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return nil, fmt.Errorf("rotate task log %s: %w", path, err)
	}
	return r.open(path)
}

// Forget drops the sequence state of a finished instance.
func (r *LogReceiver) Forget(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSeq, instanceID)
}

// Cleanup removes log files older than retention_days and closes open
// handles so day boundaries start fresh files.
func (r *LogReceiver) Cleanup() (int, error) {
	r.mu.Lock()
	for path, lf := range r.files {
		lf.buf.Flush()
		lf.file.Close()
		delete(r.files, path)
	}
	r.mu.Unlock()

	if r.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := r.now().AddDate(0, 0, -r.cfg.RetentionDays)

	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(r.cfg.Dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (r *LogReceiver) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			n, err := r.Cleanup()
			if err != nil {
				logger.Errorf("[LogReceiver] Cleanup failed: %v", err)
			} else if n > 0 {
				logger.Infof("[LogReceiver] Removed %d expired log files", n)
			}
		}
	}
}

func (r *LogReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, lf := range r.files {
		if err := lf.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := lf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, path)
	}
	return firstErr
}
