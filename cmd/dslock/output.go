package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"pkt.systems/dslock"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unknown --output %q (text, json, yaml)", format)
	}
}

// writeStructured renders v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func stateOf(st dslock.Status) string {
	switch {
	case !st.Present:
		return "free"
	case st.Malformed:
		return "malformed"
	case st.Stale:
		return "stale"
	default:
		return "held"
	}
}

func writeStatusText(w io.Writer, st dslock.Status) error {
	var b strings.Builder
	line := func(label, format string, args ...any) {
		fmt.Fprintf(&b, "%-10s %s\n", label+":", fmt.Sprintf(format, args...))
	}
	line("dataset", "%s", st.Dataset)
	line("lock", "%s", st.Path)
	line("state", "%s", stateOf(st))
	if st.Present {
		if st.Malformed {
			line("problem", "%s", st.Problem)
		} else {
			line("holder", "pid %d on %s", st.PID, st.Hostname)
			line("writer", "%s", st.WriterID)
			line("acquired", "%s", when(st.AcquiredAt))
			line("expires", "%s", when(st.ExpiresAt))
		}
		line("verdict", "%s", st.Verdict())
		if st.Process != nil {
			proc := st.Process.Name
			if st.Process.Cmdline != "" {
				proc = st.Process.Cmdline
			}
			if !st.Process.StartedAt.IsZero() {
				proc += " (started " + humanize.Time(st.Process.StartedAt) + ")"
			}
			line("process", "%s", proc)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339) + " (" + humanize.Time(t) + ")"
}
