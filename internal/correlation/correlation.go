// Package correlation carries a run identifier through contexts so lock
// events of one job can be tied together in the logs.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength bounds accepted identifiers; longer values are ignored.
const MaxIDLength = 64

// EnvVar names the variable a parent process uses to pass its run id on.
const EnvVar = "DSLOCK_RUN_ID"

type contextKey struct{}

// New returns a fresh, sortable run id.
func New() string {
	return xid.New().String()
}

// With returns ctx tagged with id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	id, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the run id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Inherit returns the run id found in environ under EnvVar, or a new one.
// Nested dslock invocations keep the outermost id.
func Inherit(environ []string) string {
	prefix := EnvVar + "="
	for i := len(environ) - 1; i >= 0; i-- {
		if value, ok := strings.CutPrefix(environ[i], prefix); ok {
			if id, valid := Normalize(value); valid {
				return id
			}
			break
		}
	}
	return New()
}
