//go:build !unix

package liveness

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const probeTimeout = 2 * time.Second

func probe(pid int) State {
	if pid <= 0 {
		return Unknown
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return Unknown
	}
	if exists {
		return Alive
	}
	return Dead
}
