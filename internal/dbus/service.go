package dbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/cptspacemanspiff/procwatch/internal/collector"
	"github.com/cptspacemanspiff/procwatch/internal/probe"
	"github.com/cptspacemanspiff/procwatch/internal/snapshot"
	"github.com/cptspacemanspiff/procwatch/internal/startup"
)

const (
	busName   = "org.procwatch.Monitor"
	objPath   = "/org/procwatch/Monitor"
	ifaceName = "org.procwatch.Monitor"

	signalProcessesUpdated    = ifaceName + ".ProcessesUpdated"
	signalStartupItemsUpdated = ifaceName + ".StartupItemsUpdated"
)

// actionTimeout bounds the OS work behind a single method call.
const actionTimeout = 10 * time.Second

const introspectXML = `
<node>
  <interface name="` + ifaceName + `">
    <method name="GetSummary">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetProcesses">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetTopProcesses">
      <arg direction="in" type="s" name="field"/>
      <arg direction="in" type="i" name="n"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetProcess">
      <arg direction="in" type="i" name="pid"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="SearchProcesses">
      <arg direction="in" type="s" name="query"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="KillProcess">
      <arg direction="in" type="i" name="pid"/>
      <arg direction="in" type="b" name="force"/>
      <arg direction="out" type="b" name="ok"/>
    </method>
    <method name="SetIncludeSystem">
      <arg direction="in" type="b" name="include"/>
    </method>
    <method name="GetStartupItems">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="SearchStartupItems">
      <arg direction="in" type="s" name="query"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetStartupSummary">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="RefreshStartupItems"/>
    <method name="EnableStartupItem">
      <arg direction="in" type="s" name="kind"/>
      <arg direction="in" type="s" name="id"/>
      <arg direction="out" type="b" name="ok"/>
    </method>
    <method name="DisableStartupItem">
      <arg direction="in" type="s" name="kind"/>
      <arg direction="in" type="s" name="id"/>
      <arg direction="out" type="b" name="ok"/>
    </method>
    <signal name="ProcessesUpdated">
      <arg type="t" name="seq"/>
    </signal>
    <signal name="StartupItemsUpdated">
      <arg type="t" name="seq"/>
    </signal>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// ProcessSource is the process side the service reads and acts on.
type ProcessSource interface {
	Latest() *snapshot.Snapshot[collector.ProcessSnapshot]
	Subscribe() (<-chan uint64, func())
	TopBy(field collector.SortField, n int) []collector.ProcessRecord
	ByPID(pid int32) (collector.ProcessRecord, bool)
	Search(query string) []collector.ProcessRecord
	Details(ctx context.Context, pid int32) (probe.Details, error)
	Kill(ctx context.Context, pid int32, force bool) error
	IncludeSystemProcesses() bool
	SetIncludeSystemProcesses(include bool)
	Trigger()
}

// StartupSource is the startup-item side the service reads and acts on.
type StartupSource interface {
	Latest() *snapshot.Snapshot[[]startup.Item]
	Subscribe() (<-chan uint64, func())
	Search(query string) []startup.Item
	Lookup(kind startup.Kind, id string) (startup.Item, bool)
	Summary() startup.Summary
	Refresh()
	Enable(ctx context.Context, item startup.Item) error
	Disable(ctx context.Context, item startup.Item) error
}

// Emitter sends D-Bus signals. *godbus.Conn satisfies it.
type Emitter interface {
	Emit(path godbus.ObjectPath, name string, values ...interface{}) error
}

// Service exposes process and startup-item state over D-Bus.
type Service struct {
	procs ProcessSource
	items StartupSource
	log   *slog.Logger
}

// NewService creates a new D-Bus service.
func NewService(procs ProcessSource, items StartupSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{procs: procs, items: items, log: logger}
}

// Connect opens the session or system bus.
func Connect(bus string) (*godbus.Conn, error) {
	var (
		conn *godbus.Conn
		err  error
	)
	switch bus {
	case "system":
		conn, err = godbus.ConnectSystemBus()
	default:
		conn, err = godbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s bus: %w", bus, err)
	}
	return conn, nil
}

// Export registers the service on conn and claims the bus name.
func (s *Service) Export(conn *godbus.Conn) error {
	if err := conn.Export(s, objPath, ifaceName); err != nil {
		return fmt.Errorf("export %s: %w", objPath, err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), objPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", busName)
	}

	s.log.Info("exported", "name", busName, "path", objPath)
	return nil
}

// EmitUpdates forwards every publish as a ProcessesUpdated or
// StartupItemsUpdated signal until ctx is done.
func (s *Service) EmitUpdates(ctx context.Context, em Emitter) {
	procCh, cancelProcs := s.procs.Subscribe()
	defer cancelProcs()
	itemCh, cancelItems := s.items.Subscribe()
	defer cancelItems()

	for {
		select {
		case seq, ok := <-procCh:
			if !ok {
				procCh = nil
				continue
			}
			s.emit(em, signalProcessesUpdated, seq)
		case seq, ok := <-itemCh:
			if !ok {
				itemCh = nil
				continue
			}
			s.emit(em, signalStartupItemsUpdated, seq)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) emit(em Emitter, name string, seq uint64) {
	if err := em.Emit(objPath, name, seq); err != nil {
		s.log.Warn("emit signal failed", "signal", name, "seq", seq, "err", err)
	}
}

type processList struct {
	Seq         uint64                    `json:"seq"`
	PublishedAt time.Time                 `json:"published_at"`
	Processes   []collector.ProcessRecord `json:"processes"`
}

// GetSummary returns the system summary of the latest poll as JSON.
func (s *Service) GetSummary() (string, *godbus.Error) {
	snap := s.procs.Latest()
	return marshal(map[string]any{
		"seq":            snap.Seq,
		"published_at":   snap.PublishedAt,
		"summary":        snap.Value.Summary,
		"process_count":  len(snap.Value.Processes),
		"include_system": s.procs.IncludeSystemProcesses(),
	})
}

// GetProcesses returns every record of the latest poll as JSON.
func (s *Service) GetProcesses() (string, *godbus.Error) {
	snap := s.procs.Latest()
	return marshal(processList{Seq: snap.Seq, PublishedAt: snap.PublishedAt, Processes: nonNil(snap.Value.Processes)})
}

// GetTopProcesses returns the n heaviest processes by "cpu" or "memory".
func (s *Service) GetTopProcesses(field string, n int32) (string, *godbus.Error) {
	if n < 0 {
		return "", godbus.MakeFailedError(fmt.Errorf("n must not be negative, got %d", n))
	}
	return marshal(s.procs.TopBy(collector.ParseSortField(field), int(n)))
}

// GetProcess returns the record for pid together with a fresh detail
// query.
func (s *Service) GetProcess(pid int32) (string, *godbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	rec, ok := s.procs.ByPID(pid)
	details, err := s.procs.Details(ctx, pid)
	if err != nil && !ok {
		return "", godbus.MakeFailedError(err)
	}

	result := map[string]any{"process": nil, "details": nil}
	if ok {
		result["process"] = rec
	}
	if err == nil {
		result["details"] = details
	}
	return marshal(result)
}

func (s *Service) SearchProcesses(query string) (string, *godbus.Error) {
	return marshal(s.procs.Search(query))
}

// KillProcess signals pid. Failures are reported as false.
func (s *Service) KillProcess(pid int32, force bool) (bool, *godbus.Error) {
	if pid <= 0 {
		return false, godbus.MakeFailedError(fmt.Errorf("invalid pid %d", pid))
	}
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if err := s.procs.Kill(ctx, pid, force); err != nil {
		s.log.Warn("KillProcess failed", "pid", pid, "force", force, "err", err)
		return false, nil
	}
	return true, nil
}

// SetIncludeSystem changes the system-account filter and polls again.
func (s *Service) SetIncludeSystem(include bool) *godbus.Error {
	s.procs.SetIncludeSystemProcesses(include)
	s.procs.Trigger()
	return nil
}

func (s *Service) GetStartupItems() (string, *godbus.Error) {
	snap := s.items.Latest()
	return marshal(map[string]any{
		"seq":          snap.Seq,
		"published_at": snap.PublishedAt,
		"items":        nonNil(snap.Value),
	})
}

func (s *Service) SearchStartupItems(query string) (string, *godbus.Error) {
	return marshal(s.items.Search(query))
}

func (s *Service) GetStartupSummary() (string, *godbus.Error) {
	return marshal(s.items.Summary())
}

// RefreshStartupItems requests a rescan; StartupItemsUpdated follows
// when it completes.
func (s *Service) RefreshStartupItems() *godbus.Error {
	s.items.Refresh()
	return nil
}

// EnableStartupItem loads the agent or daemon with label id.
func (s *Service) EnableStartupItem(kind, id string) (bool, *godbus.Error) {
	return s.changeStartupItem("EnableStartupItem", kind, id, s.items.Enable)
}

// DisableStartupItem removes the login item named id, or unloads the agent
// or daemon with label id.
func (s *Service) DisableStartupItem(kind, id string) (bool, *godbus.Error) {
	return s.changeStartupItem("DisableStartupItem", kind, id, s.items.Disable)
}

func (s *Service) changeStartupItem(method, kind, id string, action func(context.Context, startup.Item) error) (bool, *godbus.Error) {
	k, err := startup.ParseKind(kind)
	if err != nil {
		return false, godbus.MakeFailedError(err)
	}
	item, ok := s.items.Lookup(k, id)
	if !ok {
		return false, godbus.MakeFailedError(fmt.Errorf("%s %q not found", k, id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if err := action(ctx, item); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, startup.ErrLoginItemEnable) {
			level = slog.LevelInfo
		}
		s.log.Log(ctx, level, method+" failed", "kind", k.String(), "id", id, "err", err)
		return false, nil
	}
	return true, nil
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
