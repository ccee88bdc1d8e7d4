package telegraph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewDaemon_Validation(t *testing.T) {
	if _, err := NewDaemon(DaemonOpts{Source: newFakeSource()}); err == nil {
		t.Error("expected error for nil adapter")
	}
	if _, err := NewDaemon(DaemonOpts{Adapter: NewMockAdapter()}); err == nil {
		t.Error("expected error for nil source")
	}
}

// runDaemon starts d and waits until its baseline is seeded.
func runDaemon(t *testing.T, d *Daemon) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for !d.watcher.isSeeded() {
		if time.Now().After(deadline) {
			t.Fatal("watcher never seeded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return func() {
		stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
}

func TestDaemon_RelaysNewCards(t *testing.T) {
	src := newFakeSource()
	src.set(intel("e1", card("c1", models.UrgencyCritical)))
	adapter := NewMockAdapter()
	d, err := NewDaemon(DaemonOpts{Adapter: adapter, Source: src, ChannelID: "C123"})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	stop := runDaemon(t, d)

	src.set(
		intel("e2", models.IntelCard{ID: "c2", Subject: "AAPL", Urgency: models.UrgencyCritical}),
		intel("e1", card("c1", models.UrgencyCritical)),
	)
	select {
	case <-adapter.Sent():
	case <-time.After(2 * time.Second):
		t.Fatal("no alert sent")
	}
	stop()

	sent := adapter.AllSent()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if sent[0].ChannelID != "C123" {
		t.Errorf("channel = %q", sent[0].ChannelID)
	}
	if sent[0].Text != "Critical: AAPL" {
		t.Errorf("text = %q", sent[0].Text)
	}
	if !adapter.Closed() {
		t.Error("adapter should be closed after Run returns")
	}
}

func TestDaemon_SendFailureKeepsRunning(t *testing.T) {
	src := newFakeSource()
	src.set()
	adapter := NewMockAdapter()
	adapter.SetSendErr(errors.New("rate limited"))
	d, _ := NewDaemon(DaemonOpts{Adapter: adapter, Source: src})
	stop := runDaemon(t, d)
	defer stop()

	src.set(intel("e1", card("c1", models.UrgencyCritical)))
	waitNoSend(t, adapter)
	adapter.SetSendErr(nil)
	src.set(intel("e2", card("c2", models.UrgencyCritical)), intel("e1", card("c1", models.UrgencyCritical)))

	select {
	case <-adapter.Sent():
	case <-time.After(2 * time.Second):
		t.Fatal("relay stopped after a failed send")
	}
	sent := adapter.AllSent()
	if len(sent) != 1 || len(sent[0].Alerts) != 1 {
		t.Fatalf("sent = %+v, want one batch with c2 only", sent)
	}
}

func TestDaemon_ConnectFailure(t *testing.T) {
	adapter := NewMockAdapter()
	adapter.Close()
	d, _ := NewDaemon(DaemonOpts{Adapter: adapter, Source: newFakeSource()})
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
}

// waitNoSend gives the relay time to attempt and fail a send.
func waitNoSend(t *testing.T, adapter *MockAdapter) {
	t.Helper()
	select {
	case <-adapter.Sent():
		t.Fatal("send should have failed")
	case <-time.After(100 * time.Millisecond):
	}
}
