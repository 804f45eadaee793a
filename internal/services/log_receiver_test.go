package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestLogReceiver(t *testing.T, maxBytes int64, metrics *Metrics) *LogReceiver {
	t.Helper()
	r, err := NewLogReceiver(&config.TaskLogConfig{
		Dir:           t.TempDir(),
		MaxFileBytes:  maxBytes,
		RetentionDays: 7,
	}, metrics)
	if err != nil {
		t.Fatalf("NewLogReceiver() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func logBatch(seqs ...uint64) *protocol.TaskLogBatch {
	batch := &protocol.TaskLogBatch{TaskInstanceID: "inst-1", TaskID: "task-1", AgentID: "agent-1"}
	for _, seq := range seqs {
		batch.Entries = append(batch.Entries, protocol.LogEntry{
			Sequence:  seq,
			Stream:    protocol.StreamStdout,
			Line:      "line\n",
			Timestamp: time.Now().UnixMilli(),
		})
	}
	return batch
}

func readLogLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestLogReceiver_DropsDuplicateSequences(t *testing.T) {
	metrics := NewMetrics()
	r := newTestLogReceiver(t, 0, metrics)

	if err := r.Write(logBatch(1, 2, 3)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := r.Write(logBatch(2, 3, 4)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	lines := readLogLines(t, r.Path("task-1", "inst-1"))
	if len(lines) != 4 {
		t.Fatalf("lines = %d, expected 4: %q", len(lines), lines)
	}
	for i, line := range lines {
		if !strings.Contains(line, fmt.Sprintf("[stdout] #%d line", i+1)) {
			t.Errorf("line %d = %q, expected sequence %d", i, line, i+1)
		}
	}
	if gaps := testutil.ToFloat64(metrics.logGaps); gaps != 0 {
		t.Errorf("gaps = %v, expected 0", gaps)
	}

	if err := r.Write(logBatch(7)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if gaps := testutil.ToFloat64(metrics.logGaps); gaps != 1 {
		t.Errorf("gaps = %v, expected 1", gaps)
	}

	// a finished instance starts over
	r.Forget("inst-1")
	r.Write(logBatch(1))
	if lines = readLogLines(t, r.Path("task-1", "inst-1")); len(lines) != 6 {
		t.Errorf("lines after Forget = %d, expected 6", len(lines))
	}
}

func TestLogReceiver_Rotates(t *testing.T) {
	r := newTestLogReceiver(t, 200, nil)

	for seq := uint64(1); seq <= 10; seq++ {
		if err := r.Write(logBatch(seq)); err != nil {
			t.Fatalf("Write(%d) error = %v", seq, err)
		}
	}

	path := r.Path("task-1", "inst-1")
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() > 200 {
		t.Errorf("current file size = %d, expected at most 200", info.Size())
	}
}

func TestLogReceiver_CleanupRemovesExpired(t *testing.T) {
	r := newTestLogReceiver(t, 0, nil)
	r.Write(logBatch(1))

	old := filepath.Join(r.cfg.Dir, "task-0_inst-0_20200101.log")
	if err := os.WriteFile(old, []byte("old\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	past := time.Now().AddDate(0, 0, -30)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	removed, err := r.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, expected 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expired file still present: %v", err)
	}
	if _, err := os.Stat(r.Path("task-1", "inst-1")); err != nil {
		t.Errorf("current file removed: %v", err)
	}
}
