// Package wake reports when the machine resumes from sleep so pollers can
// refresh instead of waiting out a stale interval.
package wake

import (
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	loginManager       = "org.freedesktop.login1.Manager"
	prepareForSleep    = loginManager + ".PrepareForSleep"
	prepareForShutdown = loginManager + ".PrepareForShutdown"
)

// SignalConn is the part of *dbus.Conn the monitor uses.
type SignalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// Monitor listens for logind sleep signals and delivers one value on
// Wake per resume.
type Monitor struct {
	conn SignalConn
	sigs chan *dbus.Signal
	wake chan struct{}
	log  *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSystem connects to the system bus and starts listening.
func NewSystem(logger *slog.Logger) (*Monitor, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return New(conn, logger)
}

// New subscribes to PrepareForSleep and PrepareForShutdown on conn.
func New(conn SignalConn, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, member := range []string{"PrepareForSleep", "PrepareForShutdown"} {
		err := conn.AddMatchSignal(
			dbus.WithMatchInterface(loginManager),
			dbus.WithMatchMember(member),
		)
		if err != nil {
			return nil, err
		}
	}

	m := &Monitor{
		conn: conn,
		sigs: make(chan *dbus.Signal, 16),
		wake: make(chan struct{}, 1),
		log:  logger,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	conn.Signal(m.sigs)
	go m.listen()
	return m, nil
}

// Wake receives a value each time the system resumes. Resumes that
// happen while a value is pending are merged.
func (m *Monitor) Wake() <-chan struct{} {
	return m.wake
}

// Close stops listening. It is safe to call more than once.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.conn.RemoveSignal(m.sigs)
	})
}

func (m *Monitor) listen() {
	defer close(m.done)
	for {
		select {
		case sig, ok := <-m.sigs:
			if !ok {
				return
			}
			m.handle(sig)
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) handle(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 1 {
		return
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return
	}

	switch sig.Name {
	case prepareForShutdown:
		if active {
			m.log.Info("system preparing for shutdown")
		}
	case prepareForSleep:
		if active {
			m.log.Info("system going to sleep")
			return
		}
		m.log.Info("system woke up")
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}
