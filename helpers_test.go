package dslock_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/dslock"
	"pkt.systems/dslock/internal/record"
)

const testDataset = "eod-bars"

func newTestLocker(t *testing.T, dir string, opts ...dslock.Option) *dslock.Locker {
	t.Helper()
	base := []dslock.Option{dslock.WithoutMetrics()}
	l, err := dslock.New(dir, testDataset, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	return l
}

func lockPath(dir string) string {
	return dslock.LockPath(dir, testDataset)
}

func writeRecord(t *testing.T, path string, rec record.Record) []byte {
	t.Helper()
	data, err := record.Encode(rec)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
	return data
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func foreignRecord(acquired time.Time, lifetime time.Duration) record.Record {
	return record.Record{
		PID:        4242,
		Hostname:   "ingest-far-away",
		WriterID:   "writer-remote",
		AcquiredAt: acquired.UTC(),
		ExpiresAt:  acquired.UTC().Add(lifetime),
	}
}

// dirEntries lists the names in dir.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func assertOnlyLockFile(t *testing.T, dir string) {
	t.Helper()
	names := dirEntries(t, dir)
	if len(names) != 1 || names[0] != filepath.Base(lockPath(dir)) {
		t.Fatalf("unexpected directory contents: %v", names)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	if names := dirEntries(t, dir); len(names) != 0 {
		t.Fatalf("expected empty lock dir, found %v", names)
	}
}
