package sessionmanager

import (
	"errors"
	"testing"

	"vrlink/internal/metrics"
	"vrlink/pkg/models"
)

func newSession(id string) *models.NegotiatedSession {
	cfg := models.StreamConfig{ViewWidth: 1600, ViewHeight: 1600}
	return models.NewSession(id, cfg, models.CodecParams{Codec: "hevc"}, 72)
}

func TestRegister_rejectsDuplicateDevice(t *testing.T) {
	m := New(metrics.New(), 0)

	if _, err := m.Register("c1", "headset", "10.0.0.2:5000", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := m.Register("c2", "headset", "10.0.0.3:5000", nil)
	if !errors.Is(err, ErrDeviceConnected) {
		t.Fatalf("expected ErrDeviceConnected, got %v", err)
	}
	if _, err := m.Register("c1", "other", "", nil); err == nil {
		t.Fatal("expected duplicate connection id to fail")
	}
	if got := m.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}
}

func TestActivate_replacesPreviousSession(t *testing.T) {
	m := New(metrics.New(), 0)
	if _, err := m.Register("c1", "headset", "", nil); err != nil {
		t.Fatal(err)
	}

	first := newSession("s1")
	if err := m.Activate("c1", first); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	second := newSession("s2")
	if err := m.Activate("c1", second); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if got := first.GetState(); got != models.SessionStateInvalidated {
		t.Errorf("first session state = %s, want invalidated", got)
	}
	if _, _, ok := m.Get("s1"); ok {
		t.Error("replaced session still resolvable")
	}
	sess, conn, ok := m.Get("s2")
	if !ok || sess != second || conn.ID != "c1" {
		t.Fatalf("Get(s2) = %v, %v, %v", sess, conn, ok)
	}
	if got := m.ActiveSessionCount(); got != 1 {
		t.Errorf("ActiveSessionCount = %d, want 1", got)
	}
}

func TestActivate_unknownConnection(t *testing.T) {
	m := New(nil, 0)
	err := m.Activate("missing", newSession("s1"))
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestInvalidate_keepsConnection(t *testing.T) {
	m := New(nil, 0)
	if _, err := m.Register("c1", "headset", "", nil); err != nil {
		t.Fatal(err)
	}
	sess := newSession("s1")
	if err := m.Activate("c1", sess); err != nil {
		t.Fatal(err)
	}

	prev, ok := m.Invalidate("c1")
	if !ok || prev != sess {
		t.Fatalf("Invalidate = %v, %v", prev, ok)
	}
	if sess.IsActive() {
		t.Error("session still active after Invalidate")
	}
	if _, ok := m.Invalidate("c1"); ok {
		t.Error("second Invalidate reported a session")
	}
	if got := m.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}
	if got := m.ActiveSessionCount(); got != 0 {
		t.Errorf("ActiveSessionCount = %d, want 0", got)
	}
}

func TestRemove_closesSession(t *testing.T) {
	m := New(nil, 0)
	if _, err := m.Register("c1", "headset", "", nil); err != nil {
		t.Fatal(err)
	}
	sess := newSession("s1")
	if err := m.Activate("c1", sess); err != nil {
		t.Fatal(err)
	}

	m.Remove("c1")
	if got := sess.GetState(); got != models.SessionStateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if sess.ClosedAt == nil {
		t.Error("ClosedAt not set")
	}
	if got := m.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount = %d, want 0", got)
	}
	// The device name is free again.
	if _, err := m.Register("c2", "headset", "", nil); err != nil {
		t.Errorf("re-register after remove: %v", err)
	}
}

func TestDisconnect_callsHook(t *testing.T) {
	m := New(nil, 0)
	called := 0
	if _, err := m.Register("c1", "headset", "", func() { called++ }); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect("s1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("Disconnect before activation = %v", err)
	}
	if err := m.Activate("c1", newSession("s1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect("s1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if called != 1 {
		t.Errorf("disconnect hook called %d times, want 1", called)
	}
}

func TestList_ordersByConnectTime(t *testing.T) {
	m := New(nil, 0)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Register(id, "device-"+id, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	conns := m.List()
	if len(conns) != 3 {
		t.Fatalf("List returned %d connections", len(conns))
	}
	for i := 1; i < len(conns); i++ {
		if conns[i].ConnectedAt.Before(conns[i-1].ConnectedAt) {
			t.Errorf("List not ordered at %d", i)
		}
	}
}

func TestRegister_limit(t *testing.T) {
	m := New(nil, 1)
	if _, err := m.Register("c1", "a", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register("c2", "b", "", nil); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	m.Remove("c1")
	if _, err := m.Register("c2", "b", "", nil); err != nil {
		t.Errorf("register after remove: %v", err)
	}
}
