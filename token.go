package dslock

import (
	"fmt"
	"time"

	"pkt.systems/dslock/internal/record"
)

// Token is proof of a successful acquire or refresh. Tokens are values:
// Refresh returns a new Token and never mutates the one it was given. Only a
// Locker constructs them.
type Token struct {
	pid        int
	hostname   string
	writerID   string
	acquiredAt time.Time
	expiresAt  time.Time
	path       string
}

// PID returns the process id of the holder.
func (t Token) PID() int { return t.pid }

// Hostname returns the host the holder ran on.
func (t Token) Hostname() string { return t.hostname }

// WriterID returns the writer identity of the holder.
func (t Token) WriterID() string { return t.writerID }

// AcquiredAt returns when the lock was first acquired (UTC).
func (t Token) AcquiredAt() time.Time { return t.acquiredAt }

// ExpiresAt returns when the lock stops protecting the holder (UTC).
func (t Token) ExpiresAt() time.Time { return t.expiresAt }

// Path returns the lock file path.
func (t Token) Path() string { return t.path }

// IsZero reports whether t was never issued.
func (t Token) IsZero() bool { return t.path == "" && t.writerID == "" }

// Remaining returns how long the token stays valid after now. It is never
// negative.
func (t Token) Remaining(now time.Time) time.Duration {
	if d := t.expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (t Token) String() string {
	if t.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s pid=%d host=%s writer=%s expires=%s",
		t.path, t.pid, t.hostname, t.writerID, t.expiresAt.Format(time.RFC3339))
}

// sameIdentity compares everything except the timestamps, which refresh
// moves forward.
func (t Token) sameIdentity(other Token) bool {
	return t.pid == other.pid &&
		t.hostname == other.hostname &&
		t.writerID == other.writerID &&
		t.path == other.path
}

func (t Token) matches(rec record.Record) bool {
	return t.record().SameHolder(rec)
}

func (t Token) record() record.Record {
	return record.Record{
		PID:        t.pid,
		Hostname:   t.hostname,
		WriterID:   t.writerID,
		AcquiredAt: t.acquiredAt,
		ExpiresAt:  t.expiresAt,
	}
}

func (t Token) withExpiry(expiresAt time.Time) Token {
	t.expiresAt = expiresAt.UTC()
	return t
}

func tokenFromRecord(rec record.Record, path string) Token {
	return Token{
		pid:        rec.PID,
		hostname:   rec.Hostname,
		writerID:   rec.WriterID,
		acquiredAt: rec.AcquiredAt.UTC(),
		expiresAt:  rec.ExpiresAt.UTC(),
		path:       path,
	}
}

func describeHolder(rec record.Record) string {
	return fmt.Sprintf("pid %d on %s (writer %s)", rec.PID, rec.Hostname, rec.WriterID)
}
