package collector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cptspacemanspiff/procwatch/internal/probe"
	"github.com/cptspacemanspiff/procwatch/internal/snapshot"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 2 * time.Second

// DefaultSystemAccounts are the owners hidden unless system processes are
// included.
var DefaultSystemAccounts = []string{"root", "_windowserver", "nobody"}

// ErrNotFound is returned for a pid absent from the latest snapshot.
var ErrNotFound = errors.New("process not found")

// Probe is the OS surface the sampler reads from.
type Probe interface {
	Summary(ctx context.Context) (probe.Summary, error)
	PIDs(ctx context.Context) ([]int32, error)
	Open(ctx context.Context, pid int32) (probe.Handle, error)
	Details(ctx context.Context, pid int32) (probe.Details, error)
	Signal(ctx context.Context, pid int32, force bool) error
}

// SamplerOptions configures a ProcessSampler.
type SamplerOptions struct {
	Interval       time.Duration
	IncludeSystem  bool
	SystemAccounts []string // nil means DefaultSystemAccounts
}

// ProcessSampler polls the process table on its own schedule and
// publishes each complete result into a snapshot store.
type ProcessSampler struct {
	probe          Probe
	interval       time.Duration
	systemAccounts map[string]bool
	includeSystem  atomic.Bool
	log            *slog.Logger

	pollMu  sync.Mutex
	handles map[int32]probe.Handle // pid -> handle reused across polls; guarded by pollMu

	store   *snapshot.Store[ProcessSnapshot]
	trigger chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessSampler creates a sampler. Nothing is polled until Start or Poll.
func NewProcessSampler(p Probe, opts SamplerOptions, logger *slog.Logger) *ProcessSampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	accounts := opts.SystemAccounts
	if accounts == nil {
		accounts = DefaultSystemAccounts
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &ProcessSampler{
		probe:          p,
		interval:       opts.Interval,
		systemAccounts: make(map[string]bool, len(accounts)),
		log:            logger,
		handles:        make(map[int32]probe.Handle),
		store:          snapshot.New[ProcessSnapshot](),
		trigger:        make(chan struct{}, 1),
	}
	for _, a := range accounts {
		s.systemAccounts[a] = true
	}
	s.includeSystem.Store(opts.IncludeSystem)
	return s
}

// SetIncludeSystemProcesses takes effect on the next poll.
func (s *ProcessSampler) SetIncludeSystemProcesses(include bool) {
	s.includeSystem.Store(include)
}

// IncludeSystemProcesses reports the current filter mode.
func (s *ProcessSampler) IncludeSystemProcesses() bool {
	return s.includeSystem.Load()
}

// Start launches the background loop. It polls once immediately, then on
// every interval tick or Trigger. Calling Start on a running sampler is a
// no-op.
func (s *ProcessSampler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop signals the loop and waits for any in-flight poll to finish, so no
// publish happens after Stop returns.
func (s *ProcessSampler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger asks the loop for a poll as soon as possible. Requests made
// while one is already pending are merged.
func (s *ProcessSampler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *ProcessSampler) run(ctx context.Context, done chan struct{}) {
	// A parent cancellation ends the loop without Stop; unregister so a
	// later Start can run again.
	defer func() {
		s.runMu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.runMu.Unlock()
		close(done)
	}()

	// A poll is never interrupted halfway; cancellation is observed
	// between polls.
	pollCtx := context.WithoutCancel(ctx)

	s.pollAndLog(pollCtx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollAndLog(pollCtx)
		case <-s.trigger:
			s.pollAndLog(pollCtx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *ProcessSampler) pollAndLog(ctx context.Context) {
	start := time.Now()
	if err := s.Poll(ctx); err != nil {
		s.log.Warn("poll failed, keeping previous snapshot", "err", err)
		return
	}
	snap := s.store.Load()
	s.log.Debug("poll",
		"seq", snap.Seq,
		"processes", len(snap.Value.Processes),
		"handles", s.HandleCount(),
		"took", time.Since(start))
}

// Poll runs one complete poll and publishes the result. On error nothing is
// published and the previous snapshot stays current. Concurrent calls are
// serialized.
func (s *ProcessSampler) Poll(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	snap, err := s.collect(ctx)
	if err != nil {
		return err
	}
	s.store.Publish(snap)
	return nil
}

// collect must be called with pollMu held.
func (s *ProcessSampler) collect(ctx context.Context) (ProcessSnapshot, error) {
	sum, err := s.probe.Summary(ctx)
	if err != nil {
		return ProcessSnapshot{}, fmt.Errorf("system summary: %w", err)
	}
	if sum.TotalMemory == 0 || sum.LogicalCores <= 0 {
		return ProcessSnapshot{}, fmt.Errorf("system summary incomplete: total_memory=%d logical_cores=%d",
			sum.TotalMemory, sum.LogicalCores)
	}

	pids, err := s.probe.PIDs(ctx)
	if err != nil {
		return ProcessSnapshot{}, fmt.Errorf("enumerate processes: %w", err)
	}

	includeSystem := s.includeSystem.Load()
	seen := make(map[int32]struct{}, len(pids))
	records := make([]ProcessRecord, 0, len(pids))

	for _, pid := range pids {
		seen[pid] = struct{}{}

		st, err := s.sample(ctx, pid)
		if err != nil {
			delete(s.handles, pid)
			s.log.Debug("skip process", "pid", pid, "err", err)
			continue
		}
		if !includeSystem && s.systemAccounts[st.Username] {
			continue
		}

		cpu := st.CPUPercent
		if cpu < 0 {
			cpu = 0
		}
		records = append(records, ProcessRecord{
			PID:           pid,
			Name:          st.Name,
			Owner:         st.Username,
			MemoryBytes:   st.RSS,
			MemoryPercent: float64(st.RSS) * 100 / float64(sum.TotalMemory),
			CPUPercent:    cpu,
		})
	}

	// Evict handles of exited pids.
	for pid := range s.handles {
		if _, alive := seen[pid]; !alive {
			delete(s.handles, pid)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].PID < records[j].PID
	})

	return ProcessSnapshot{
		Processes: records,
		Summary: SystemSummary{
			TotalMemoryBytes: sum.TotalMemory,
			UsedMemoryBytes:  sum.UsedMemory,
			MemoryPercent:    sum.MemoryPercent,
			CPUPercent:       sum.CPUPercent,
			PhysicalCores:    sum.PhysicalCores,
			LogicalCores:     sum.LogicalCores,
		},
	}, nil
}

// sample reads pid through its cached handle, opening one on first sight.
func (s *ProcessSampler) sample(ctx context.Context, pid int32) (probe.Stat, error) {
	h, ok := s.handles[pid]
	if !ok {
		var err error
		if h, err = s.probe.Open(ctx, pid); err != nil {
			return probe.Stat{}, err
		}
		s.handles[pid] = h
	}

	st, err := h.Sample(ctx)
	if !errors.Is(err, probe.ErrPIDReused) {
		return st, err
	}

	// Different process behind the same pid: start a new baseline.
	if h, err = s.probe.Open(ctx, pid); err != nil {
		return probe.Stat{}, err
	}
	s.handles[pid] = h
	return h.Sample(ctx)
}

// HandleCount returns the size of the pid -> handle cache.
func (s *ProcessSampler) HandleCount() int {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return len(s.handles)
}

// Latest returns the most recently published snapshot without blocking.
func (s *ProcessSampler) Latest() *snapshot.Snapshot[ProcessSnapshot] {
	return s.store.Load()
}

// Subscribe delivers the sequence number of every completed poll.
func (s *ProcessSampler) Subscribe() (<-chan uint64, func()) {
	return s.store.Subscribe()
}

// Processes returns a copy of the records of the latest snapshot.
func (s *ProcessSampler) Processes() []ProcessRecord {
	return slices.Clone(s.latest())
}

// latest returns the shared records of the latest snapshot. Callers must
// not modify them.
func (s *ProcessSampler) latest() []ProcessRecord {
	return s.Latest().Value.Processes
}

// Summary returns the system summary of the latest snapshot.
func (s *ProcessSampler) Summary() SystemSummary {
	return s.Latest().Value.Summary
}

// Count returns the number of records in the latest snapshot.
func (s *ProcessSampler) Count() int {
	return len(s.Latest().Value.Processes)
}

// TopBy returns the n largest records of the latest snapshot by field.
func (s *ProcessSampler) TopBy(field SortField, n int) []ProcessRecord {
	return TopBy(s.latest(), field, n)
}

// SortBy returns the latest records ordered by field.
func (s *ProcessSampler) SortBy(field SortField, descending bool) []ProcessRecord {
	return SortBy(s.latest(), field, descending)
}

// ByPID looks pid up in the latest snapshot.
func (s *ProcessSampler) ByPID(pid int32) (ProcessRecord, bool) {
	return ByPID(s.latest(), pid)
}

// Search matches query case-insensitively against process names.
func (s *ProcessSampler) Search(query string) []ProcessRecord {
	return Search(s.latest(), query)
}

// FilterByMemory returns records using at least minBytes.
func (s *ProcessSampler) FilterByMemory(minBytes uint64) []ProcessRecord {
	return filter(s.latest(), func(r ProcessRecord) bool { return r.MemoryBytes >= minBytes })
}

// FilterByCPU returns records using at least minPercent of a core.
func (s *ProcessSampler) FilterByCPU(minPercent float64) []ProcessRecord {
	return filter(s.latest(), func(r ProcessRecord) bool { return r.CPUPercent >= minPercent })
}

// Kill sends SIGTERM, or SIGKILL when force is set. It does not trigger a
// poll; the process disappears from snapshots once a later poll runs.
func (s *ProcessSampler) Kill(ctx context.Context, pid int32, force bool) error {
	if err := s.probe.Signal(ctx, pid, force); err != nil {
		s.log.Warn("kill failed", "pid", pid, "force", force, "err", err)
		return err
	}
	s.log.Info("process signalled", "pid", pid, "force", force)
	return nil
}

// Details queries pid afresh for status, threads and command line.
func (s *ProcessSampler) Details(ctx context.Context, pid int32) (probe.Details, error) {
	d, err := s.probe.Details(ctx, pid)
	if errors.Is(err, probe.ErrNoSuchProcess) {
		return probe.Details{}, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	return d, err
}

// TopBy sorts a copy of records descending by field, ties by pid
// ascending, and keeps the first n.
func TopBy(records []ProcessRecord, field SortField, n int) []ProcessRecord {
	if n <= 0 {
		return []ProcessRecord{}
	}
	out := SortBy(records, field, true)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// SortBy returns a sorted copy of records. Equal keys are ordered by pid
// ascending regardless of direction.
func SortBy(records []ProcessRecord, field SortField, descending bool) []ProcessRecord {
	out := slices.Clone(records)
	if out == nil {
		out = []ProcessRecord{}
	}

	compare := compareFunc(field)
	slices.SortStableFunc(out, func(a, b ProcessRecord) int {
		c := compare(a, b)
		if c == 0 {
			return cmp.Compare(a.PID, b.PID)
		}
		if descending {
			return -c
		}
		return c
	})
	return out
}

func compareFunc(field SortField) func(a, b ProcessRecord) int {
	switch field {
	case SortByCPU:
		return func(a, b ProcessRecord) int { return cmp.Compare(a.CPUPercent, b.CPUPercent) }
	case SortByPID:
		return func(a, b ProcessRecord) int { return cmp.Compare(a.PID, b.PID) }
	case SortByName:
		return func(a, b ProcessRecord) int {
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		}
	case SortByOwner:
		return func(a, b ProcessRecord) int { return strings.Compare(a.Owner, b.Owner) }
	default:
		return func(a, b ProcessRecord) int { return cmp.Compare(a.MemoryBytes, b.MemoryBytes) }
	}
}

// ByPID finds pid in records, which must be sorted by pid.
func ByPID(records []ProcessRecord, pid int32) (ProcessRecord, bool) {
	i := sort.Search(len(records), func(i int) bool { return records[i].PID >= pid })
	if i < len(records) && records[i].PID == pid {
		return records[i], true
	}
	return ProcessRecord{}, false
}

// Search returns records whose name contains query, case-insensitively.
func Search(records []ProcessRecord, query string) []ProcessRecord {
	q := strings.ToLower(query)
	return filter(records, func(r ProcessRecord) bool {
		return strings.Contains(strings.ToLower(r.Name), q)
	})
}

func filter(records []ProcessRecord, keep func(ProcessRecord) bool) []ProcessRecord {
	out := []ProcessRecord{}
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
