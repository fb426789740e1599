// Package stale classifies lock records as live or stale.
package stale

import (
	"fmt"
	"time"

	"pkt.systems/dslock/internal/clock"
	"pkt.systems/dslock/internal/liveness"
	"pkt.systems/dslock/internal/record"
)

// Reason explains a verdict.
type Reason string

const (
	// ReasonMalformed marks content that violates the record schema.
	ReasonMalformed Reason = "malformed"
	// ReasonExpired marks a record whose expires_at has passed.
	ReasonExpired Reason = "expired"
	// ReasonHolderDead marks a same-host record whose pid no longer exists.
	ReasonHolderDead Reason = "holder_dead"
	// ReasonHolderAlive marks a same-host record whose pid is running.
	ReasonHolderAlive Reason = "holder_alive"
	// ReasonLivenessUnknown marks a same-host record the probe could not
	// decide on. It is live.
	ReasonLivenessUnknown Reason = "liveness_unknown"
	// ReasonForeignHost marks an unexpired record from another host; its
	// holder cannot be probed so it is live.
	ReasonForeignHost Reason = "foreign_host"
)

// Verdict is the oracle's decision for one record.
type Verdict struct {
	Stale  bool
	Reason Reason
	Detail string
}

func (v Verdict) String() string {
	state := "live"
	if v.Stale {
		state = "stale"
	}
	if v.Detail == "" {
		return fmt.Sprintf("%s (%s)", state, v.Reason)
	}
	return fmt.Sprintf("%s (%s: %s)", state, v.Reason, v.Detail)
}

// Oracle holds what classification needs to know about the local host.
type Oracle struct {
	Hostname string
	Probe    liveness.Probe
	Clock    clock.Clock
}

// Classify applies the decision order: malformed, expired, same-host dead
// holder. Everything else is live.
func (o Oracle) Classify(res record.Result) Verdict {
	if !res.Valid() {
		return Verdict{Stale: true, Reason: ReasonMalformed, Detail: res.Problem}
	}
	rec := res.Record

	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	now := clk.Now()
	if rec.ExpiresAt.Before(now) {
		return Verdict{
			Stale:  true,
			Reason: ReasonExpired,
			Detail: fmt.Sprintf("expired %s ago", now.Sub(rec.ExpiresAt).Round(time.Millisecond)),
		}
	}

	if rec.Hostname != o.Hostname {
		return Verdict{Reason: ReasonForeignHost, Detail: rec.Hostname}
	}

	probe := o.Probe
	if probe == nil {
		probe = liveness.System()
	}
	switch probe.Probe(rec.PID) {
	case liveness.Dead:
		return Verdict{Stale: true, Reason: ReasonHolderDead, Detail: fmt.Sprintf("pid %d", rec.PID)}
	case liveness.Alive:
		return Verdict{Reason: ReasonHolderAlive, Detail: fmt.Sprintf("pid %d", rec.PID)}
	default:
		return Verdict{Reason: ReasonLivenessUnknown, Detail: fmt.Sprintf("pid %d", rec.PID)}
	}
}
