// Package record defines the on-disk lock record and its strict codec.
//
// The schema is closed: exactly pid, hostname, writer_id, acquired_at and
// expires_at. Anything else decodes to a Malformed result rather than an
// error so callers can fold it into staleness classification.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Field names of the closed schema.
const (
	FieldPID        = "pid"
	FieldHostname   = "hostname"
	FieldWriterID   = "writer_id"
	FieldAcquiredAt = "acquired_at"
	FieldExpiresAt  = "expires_at"
)

var schemaFields = [...]string{FieldPID, FieldHostname, FieldWriterID, FieldAcquiredAt, FieldExpiresAt}

// TimeLayout is the timestamp encoding used on disk.
const TimeLayout = time.RFC3339Nano

// Record is the decoded content of a lock file.
type Record struct {
	PID        int
	Hostname   string
	WriterID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// SameHolder reports whether r and other name the same pid, host and writer.
func (r Record) SameHolder(other Record) bool {
	return r.PID == other.PID && r.Hostname == other.Hostname && r.WriterID == other.WriterID
}

// Kind tags a decode outcome.
type Kind uint8

const (
	// KindValid marks a record that satisfied the schema.
	KindValid Kind = iota + 1
	// KindMalformed marks content that could not be understood.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindValid:
		return "valid"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of decoding lock file content.
type Result struct {
	Kind    Kind
	Record  Record
	Problem string
	Raw     []byte
}

// Valid reports whether the result carries a schema-conformant record.
func (r Result) Valid() bool {
	return r.Kind == KindValid
}

func malformed(raw []byte, format string, args ...any) Result {
	return Result{Kind: KindMalformed, Problem: fmt.Sprintf(format, args...), Raw: raw}
}

type wireRecord struct {
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	WriterID   string `json:"writer_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

// Encode serialises rec. It refuses to produce a record that Decode would
// reject.
func Encode(rec Record) ([]byte, error) {
	if err := validate(rec); err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	data, err := json.Marshal(wireRecord{
		PID:        rec.PID,
		Hostname:   rec.Hostname,
		WriterID:   rec.WriterID,
		AcquiredAt: rec.AcquiredAt.UTC().Format(TimeLayout),
		ExpiresAt:  rec.ExpiresAt.UTC().Format(TimeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses lock file content. It never returns an error; every failure
// is a KindMalformed result with a Problem description.
func Decode(data []byte) Result {
	raw := bytes.Clone(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return malformed(raw, "empty record")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return malformed(raw, "invalid json: %v", err)
	}
	if fields == nil {
		return malformed(raw, "record is not an object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return malformed(raw, "trailing data after record")
	}
	if len(fields) != len(schemaFields) {
		return malformed(raw, "expected %d fields, found %d", len(schemaFields), len(fields))
	}
	for _, name := range schemaFields {
		value, ok := fields[name]
		if !ok {
			return malformed(raw, "missing field %q", name)
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			return malformed(raw, "field %q is null", name)
		}
	}

	var rec Record
	if err := json.Unmarshal(fields[FieldPID], &rec.PID); err != nil {
		return malformed(raw, "field %q: %v", FieldPID, err)
	}
	if err := json.Unmarshal(fields[FieldHostname], &rec.Hostname); err != nil {
		return malformed(raw, "field %q: %v", FieldHostname, err)
	}
	if err := json.Unmarshal(fields[FieldWriterID], &rec.WriterID); err != nil {
		return malformed(raw, "field %q: %v", FieldWriterID, err)
	}
	var err error
	if rec.AcquiredAt, err = decodeTime(fields[FieldAcquiredAt]); err != nil {
		return malformed(raw, "field %q: %v", FieldAcquiredAt, err)
	}
	if rec.ExpiresAt, err = decodeTime(fields[FieldExpiresAt]); err != nil {
		return malformed(raw, "field %q: %v", FieldExpiresAt, err)
	}
	if err := validate(rec); err != nil {
		return malformed(raw, "%v", err)
	}
	return Result{Kind: KindValid, Record: rec, Raw: raw}
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func validate(rec Record) error {
	switch {
	case rec.PID <= 0:
		return fmt.Errorf("pid must be positive, got %d", rec.PID)
	case rec.Hostname == "":
		return errors.New("hostname is empty")
	case rec.WriterID == "":
		return errors.New("writer_id is empty")
	case rec.AcquiredAt.IsZero() || rec.ExpiresAt.IsZero():
		return errors.New("timestamps must be set")
	case !rec.ExpiresAt.After(rec.AcquiredAt):
		return errors.New("expires_at must be after acquired_at")
	}
	return nil
}

// Read loads and decodes the record at path. The error is reserved for
// filesystem failures; fs.ErrNotExist is returned unwrapped-compatible so
// callers can test for a missing lock with errors.Is.
func Read(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	return Decode(data), nil
}
