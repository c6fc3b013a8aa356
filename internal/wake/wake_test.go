package wake

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

type fakeConn struct {
	mu       sync.Mutex
	matches  int
	matchErr error
	ch       chan<- *dbus.Signal
	removed  bool
}

func (f *fakeConn) AddMatchSignal(options ...dbus.MatchOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return f.matchErr
	}
	f.matches++
	return nil
}

func (f *fakeConn) Signal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = ch
}

func (f *fakeConn) RemoveSignal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
}

func (f *fakeConn) send(name string, body ...interface{}) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- &dbus.Signal{Name: name, Body: body}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitor_WakeOnResume(t *testing.T) {
	conn := &fakeConn{}
	m, err := New(conn, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer m.Close()

	if conn.matches != 2 {
		t.Errorf("AddMatchSignal calls = %d, want 2", conn.matches)
	}

	conn.send(prepareForSleep, true)
	conn.send(prepareForShutdown, true)
	conn.send(prepareForSleep, "not a bool")
	select {
	case <-m.Wake():
		t.Fatal("Wake fired before resume")
	case <-time.After(100 * time.Millisecond):
	}

	conn.send(prepareForSleep, false)
	select {
	case <-m.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("Wake did not fire after resume")
	}
}

func TestMonitor_CoalescesResumes(t *testing.T) {
	conn := &fakeConn{}
	m, err := New(conn, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		conn.send(prepareForSleep, false)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Wake()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	m.Close()
	m.Close()

	if len(m.Wake()) != 1 {
		t.Errorf("pending wakes = %d, want 1", len(m.Wake()))
	}
	if !conn.removed {
		t.Error("Close() did not remove the signal channel")
	}
}

func TestNew_MatchError(t *testing.T) {
	boom := errors.New("no bus")
	if _, err := New(&fakeConn{matchErr: boom}, testLogger()); !errors.Is(err, boom) {
		t.Errorf("New() error = %v, want %v", err, boom)
	}
}
