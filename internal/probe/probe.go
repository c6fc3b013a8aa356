// Package probe asks the operating system for memory, CPU and per-process
// resource usage.
package probe

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSuchProcess is returned when a pid has exited.
	ErrNoSuchProcess = errors.New("no such process")
	// ErrPIDReused is returned by Handle.Sample when the pid now belongs to
	// a different process than the one the handle was opened for.
	ErrPIDReused = errors.New("pid reused by a new process")
)

// Summary is the machine-wide resource state at one instant.
type Summary struct {
	TotalMemory   uint64
	UsedMemory    uint64
	MemoryPercent float64
	CPUPercent    float64
	PhysicalCores int
	LogicalCores  int
}

// Stat is what one Handle.Sample call reads for a process.
type Stat struct {
	Name     string
	Username string
	RSS      uint64
	// CPUPercent is the usage of one core since the previous Sample on the
	// same handle, 0 on the first call.
	CPUPercent float64
}

// Details is a fresh, on-demand view of a single process.
type Details struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Username   string    `json:"username"`
	Status     string    `json:"status"`
	CreateTime time.Time `json:"create_time"`
	NumThreads int32     `json:"num_threads"`
	Cmdline    string    `json:"cmdline"`
	RSS        uint64    `json:"rss"`
}

// Handle is a persistent per-pid query handle. CPU deltas are only
// meaningful when the same handle is sampled repeatedly.
type Handle interface {
	Sample(ctx context.Context) (Stat, error)
}
