package startup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cptspacemanspiff/procwatch/internal/snapshot"
)

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	// Interval between periodic scans; 0 scans only on Refresh.
	Interval  time.Duration
	StatusTTL time.Duration
	// UserOnly skips the system agent and daemon directories.
	UserOnly     bool
	UserAgentDir string
	AgentDirs    []string
	DaemonDirs   []string
}

// Scanner enumerates startup items and publishes each complete scan into
// a snapshot store.
type Scanner struct {
	daemons DaemonManager
	logins  LoginItems
	cache   *StatusCache
	opts    ScannerOptions
	log     *slog.Logger

	scanMu sync.Mutex
	store  *snapshot.Store[[]Item]

	requests chan struct{}
	pending  atomic.Bool
	bg       sync.WaitGroup

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewScanner(daemons DaemonManager, logins LoginItems, opts ScannerOptions, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = DefaultStatusTTL
	}
	return &Scanner{
		daemons:  daemons,
		logins:   logins,
		cache:    NewStatusCache(daemons.LoadedLabels, opts.StatusTTL),
		opts:     opts,
		log:      logger,
		store:    snapshot.New[[]Item](),
		requests: make(chan struct{}, 1),
	}
}

// Start scans once and then keeps scanning on every interval tick and
// Refresh request until Stop.
func (s *Scanner) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done != nil {
		return
	}
	s.stopped = false
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop ends the loop and waits for any scan in progress. Refresh calls
// after Stop are ignored until the next Start.
func (s *Scanner) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.stopped = true
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.bg.Wait()
}

// Refresh requests a scan and returns immediately. Requests made while
// one is pending are merged. Without a running loop the scan runs on its
// own goroutine.
func (s *Scanner) Refresh() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done != nil {
		select {
		case s.requests <- struct{}{}:
		default:
		}
		return
	}
	if s.stopped || !s.pending.CompareAndSwap(false, true) {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.pending.Store(false)
		s.scanAndLog(context.Background())
	}()
}

func (s *Scanner) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.runMu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.runMu.Unlock()
		close(done)
	}()

	scanCtx := context.WithoutCancel(ctx)
	s.scanAndLog(scanCtx)

	var tick <-chan time.Time
	if s.opts.Interval > 0 {
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			s.scanAndLog(scanCtx)
		case <-s.requests:
			s.scanAndLog(scanCtx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) scanAndLog(ctx context.Context) {
	start := time.Now()
	if err := s.Scan(ctx); err != nil {
		s.log.Warn("scan failed, keeping previous items", "err", err)
		return
	}
	snap := s.store.Load()
	s.log.Debug("scan", "seq", snap.Seq, "items", len(snap.Value), "took", time.Since(start))
}

// Scan runs one scan and publishes the result. It fails, leaving the
// previous items in place, only when every source failed.
func (s *Scanner) Scan(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	var failures []error

	labels, err := s.cache.Labels(ctx)
	if err != nil {
		s.log.Warn("daemon status unavailable, using cached labels", "err", err, "cached", len(labels))
		failures = append(failures, err)
	}

	items := []Item{}

	names, err := s.logins.List(ctx)
	if err != nil {
		s.log.Warn("login items unavailable", "err", err)
		failures = append(failures, err)
	}
	for _, name := range names {
		items = append(items, Item{
			Name:       name,
			Kind:       LoginItem,
			SourcePath: LoginItemSource,
			Enabled:    true,
		})
	}

	seen := make(map[string]bool)
	sources := 3 // status, login items, agents
	agentDirs := []string{s.opts.UserAgentDir}
	if !s.opts.UserOnly {
		agentDirs = append(agentDirs, s.opts.AgentDirs...)
	}
	agents, err := s.scanDirs(LaunchAgent, agentDirs, labels, seen)
	if err != nil {
		failures = append(failures, err)
	}
	items = append(items, agents...)

	if !s.opts.UserOnly {
		sources++
		daemons, err := s.scanDirs(LaunchDaemon, s.opts.DaemonDirs, labels, seen)
		if err != nil {
			failures = append(failures, err)
		}
		items = append(items, daemons...)
	}

	if len(failures) == sources {
		return fmt.Errorf("all startup sources failed: %w", errors.Join(failures...))
	}
	s.store.Publish(items)
	return nil
}

// scanDirs parses the definitions in dirs. A missing directory contributes
// nothing; the error is non-nil only when every existing directory was
// unreadable.
func (s *Scanner) scanDirs(kind Kind, dirs []string, labels LabelSet, seen map[string]bool) ([]Item, error) {
	var items []Item
	var errs []error
	readable := 0

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.log.Debug("skip unreadable directory", "dir", dir, "err", err)
			errs = append(errs, err)
			continue
		}
		readable++

		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".plist") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			def, err := readDefinition(path)
			if err != nil {
				s.log.Debug("skip definition", "path", path, "err", err)
				continue
			}
			item := itemFromDefinition(def, path, kind)
			if seen[item.Label] {
				s.log.Debug("skip duplicate label", "label", item.Label, "path", path)
				continue
			}
			seen[item.Label] = true
			item.Enabled = labels.Has(item.Label)
			items = append(items, item)
		}
	}

	if readable == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("read %s directories: %w", kind, errors.Join(errs...))
	}
	return items, nil
}

// Latest returns the last published scan.
func (s *Scanner) Latest() *snapshot.Snapshot[[]Item] {
	return s.store.Load()
}

// Subscribe delivers the sequence number of each published scan.
func (s *Scanner) Subscribe() (<-chan uint64, func()) {
	return s.store.Subscribe()
}

// All returns the items of the last scan. The slice is shared and must
// not be modified.
func (s *Scanner) All() []Item {
	if items := s.store.Load().Value; items != nil {
		return items
	}
	return []Item{}
}

func (s *Scanner) FilterByKind(k Kind) []Item {
	return FilterByKind(s.All(), k)
}

func (s *Scanner) Enabled() []Item {
	return FilterEnabled(s.All(), true)
}

func (s *Scanner) Disabled() []Item {
	return FilterEnabled(s.All(), false)
}

func (s *Scanner) Search(query string) []Item {
	return Search(s.All(), query)
}

func (s *Scanner) Lookup(k Kind, id string) (Item, bool) {
	return Lookup(s.All(), k, id)
}

func (s *Scanner) Summary() Summary {
	return Summarize(s.All())
}

// Enable loads an agent or daemon from its definition file. Login items
// cannot be enabled.
func (s *Scanner) Enable(ctx context.Context, item Item) error {
	switch item.Kind {
	case LoginItem:
		return ErrLoginItemEnable
	case LaunchAgent, LaunchDaemon:
		if item.SourcePath == "" {
			return fmt.Errorf("enable %s: no definition file", item.Label)
		}
		if err := s.daemons.Load(ctx, item.Label, item.SourcePath); err != nil {
			s.log.Warn("enable failed", "label", item.Label, "err", err)
			return err
		}
	default:
		return fmt.Errorf("enable %q: %w", item.Name, ErrUnsupportedKind)
	}
	s.cache.Invalidate()
	s.log.Info("enabled", "kind", item.Kind.String(), "label", item.Label)
	return nil
}

// Disable removes a login item by name or unloads an agent or daemon by
// label. The item list is not rescanned.
func (s *Scanner) Disable(ctx context.Context, item Item) error {
	switch item.Kind {
	case LoginItem:
		if err := s.logins.Remove(ctx, item.Name); err != nil {
			s.log.Warn("disable failed", "name", item.Name, "err", err)
			return err
		}
	case LaunchAgent, LaunchDaemon:
		if item.Label == "" {
			return fmt.Errorf("disable %q: no label", item.Name)
		}
		if err := s.daemons.Unload(ctx, item.Label); err != nil {
			s.log.Warn("disable failed", "label", item.Label, "err", err)
			return err
		}
	default:
		return fmt.Errorf("disable %q: %w", item.Name, ErrUnsupportedKind)
	}
	s.cache.Invalidate()
	s.log.Info("disabled", "kind", item.Kind.String(), "name", item.Name, "label", item.Label)
	return nil
}

// WatchDirs lists the directories a scan reads.
func (s *Scanner) WatchDirs() []string {
	dirs := []string{}
	if s.opts.UserAgentDir != "" {
		dirs = append(dirs, s.opts.UserAgentDir)
	}
	if !s.opts.UserOnly {
		dirs = append(dirs, s.opts.AgentDirs...)
		dirs = append(dirs, s.opts.DaemonDirs...)
	}
	return dirs
}
