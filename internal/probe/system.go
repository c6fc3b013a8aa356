package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// System is the gopsutil-backed probe for the local machine.
type System struct{}

// NewSystem returns a System probe with the aggregate CPU counter primed,
// so the first Summary reports usage since construction rather than a
// blocking measurement.
func NewSystem(ctx context.Context) *System {
	_, _ = cpu.PercentWithContext(ctx, 0, false)
	return &System{}
}

// Summary reads total/used memory, aggregate CPU and core counts.
func (s *System) Summary(ctx context.Context) (Summary, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("virtual memory: %w", err)
	}

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Summary{}, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return Summary{}, fmt.Errorf("cpu percent: empty result")
	}

	physical, err := cpu.CountsWithContext(ctx, false)
	if err != nil {
		return Summary{}, fmt.Errorf("physical cores: %w", err)
	}
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Summary{}, fmt.Errorf("logical cores: %w", err)
	}

	return Summary{
		TotalMemory:   vm.Total,
		UsedMemory:    vm.Used,
		MemoryPercent: vm.UsedPercent,
		CPUPercent:    pct[0],
		PhysicalCores: physical,
		LogicalCores:  logical,
	}, nil
}

// PIDs lists every live process id.
func (s *System) PIDs(ctx context.Context) ([]int32, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pids: %w", err)
	}
	return pids, nil
}

// Open returns a persistent handle for pid.
func (s *System) Open(ctx context.Context, pid int32) (Handle, error) {
	p, err := newProcess(ctx, pid)
	if err != nil {
		return nil, err
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("pid %d create time: %w", pid, err)
	}
	return &procHandle{proc: p, created: created}, nil
}

// Details queries pid afresh, independent of any sampler handle.
func (s *System) Details(ctx context.Context, pid int32) (Details, error) {
	p, err := newProcess(ctx, pid)
	if err != nil {
		return Details{}, err
	}

	d := Details{PID: pid}
	if d.Name, err = p.NameWithContext(ctx); err != nil {
		return Details{}, fmt.Errorf("pid %d name: %w", pid, err)
	}
	d.Username, _ = p.UsernameWithContext(ctx)
	if status, err := p.StatusWithContext(ctx); err == nil {
		d.Status = strings.Join(status, ",")
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		d.CreateTime = time.UnixMilli(ms)
	}
	d.NumThreads, _ = p.NumThreadsWithContext(ctx)
	d.Cmdline, _ = p.CmdlineWithContext(ctx)
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		d.RSS = mi.RSS
	}
	return d, nil
}

// Signal sends SIGTERM, or SIGKILL when force is set, to pid.
func (s *System) Signal(ctx context.Context, pid int32, force bool) error {
	p, err := newProcess(ctx, pid)
	if err != nil {
		return err
	}
	if force {
		err = p.KillWithContext(ctx)
	} else {
		err = p.TerminateWithContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

func newProcess(ctx context.Context, pid int32) (*process.Process, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrNoSuchProcess)
		}
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	return p, nil
}

// procHandle wraps a gopsutil process, which keeps the previous CPU times
// internally so Percent(0) yields the delta since the last call.
type procHandle struct {
	proc    *process.Process
	created int64 // unix ms, identifies the process behind the pid
}

func (h *procHandle) Sample(ctx context.Context) (Stat, error) {
	pid := h.proc.Pid

	// gopsutil caches create time and name per handle, so compare against
	// a fresh lookup to notice a recycled pid.
	fresh, err := newProcess(ctx, pid)
	if err != nil {
		return Stat{}, err
	}
	created, err := fresh.CreateTimeWithContext(ctx)
	if err != nil {
		return Stat{}, fmt.Errorf("pid %d create time: %w", pid, err)
	}
	if created != h.created {
		return Stat{}, fmt.Errorf("pid %d: %w", pid, ErrPIDReused)
	}

	var st Stat
	if st.Name, err = h.proc.NameWithContext(ctx); err != nil {
		return Stat{}, fmt.Errorf("pid %d name: %w", pid, err)
	}
	if st.Username, err = h.proc.UsernameWithContext(ctx); err != nil {
		return Stat{}, fmt.Errorf("pid %d username: %w", pid, err)
	}
	mi, err := h.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stat{}, fmt.Errorf("pid %d memory: %w", pid, err)
	}
	st.RSS = mi.RSS
	if st.CPUPercent, err = h.proc.PercentWithContext(ctx, 0); err != nil {
		return Stat{}, fmt.Errorf("pid %d cpu: %w", pid, err)
	}
	if st.CPUPercent < 0 {
		st.CPUPercent = 0
	}
	return st, nil
}
