//go:build unix

package liveness

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassifyErrno(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want State
	}{
		{name: "signalled", err: nil, want: Alive},
		{name: "no such process", err: unix.ESRCH, want: Dead},
		{name: "not permitted", err: unix.EPERM, want: Alive},
		{name: "invalid", err: unix.EINVAL, want: Unknown},
		{name: "opaque", err: errors.New("boom"), want: Unknown},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Fatalf("%s: classify=%s want %s", tc.name, got, tc.want)
		}
	}
}
