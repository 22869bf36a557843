package session

import (
	"context"
	"testing"
	"time"

	"github.com/chaz8081/sensorlink/internal/config"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAutoPollCycles(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = 10 * time.Millisecond
	c, tr, up := connectedController(t, opts)
	for i := 0; i < 10; i++ {
		tr.queueReply("T:23.5,H:60.1")
	}

	if !c.StartAutoPoll() {
		t.Fatal("StartAutoPoll() = false on first start")
	}
	if c.StartAutoPoll() {
		t.Error("StartAutoPoll() = true while already running")
	}
	if !c.Snapshot().AutoPoll {
		t.Error("AutoPoll flag not set")
	}

	waitFor(t, "two uploads", func() bool { return up.callCount() >= 2 })
	c.StopAutoPoll()

	if c.AutoPolling() || c.Snapshot().AutoPoll {
		t.Error("auto-poll still reported as running after StopAutoPoll")
	}
}

func TestAutoPollDefaultGuardUploadsEveryCycle(t *testing.T) {
	defaults := config.Default().Telemetry
	tr := newMockTransport()
	up := &mockUploader{}
	rec := &mockRecorder{}
	guarded := telemetry.NewGuarded(up, telemetry.GuardOptions{
		MinInterval: defaults.MinInterval,
		MaxFailures: defaults.Breaker.MaxFailures,
		OpenTimeout: defaults.Breaker.OpenTimeout,
	})

	opts := testOptions()
	opts.ReadGrace = 5 * time.Millisecond
	opts.PollInterval = 10 * time.Millisecond
	opts.Recorder = rec
	c := New(tr, guarded, opts)
	t.Cleanup(c.Close)
	if err := c.Connect(context.Background(), testDevice); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		tr.queueReply("T:23.5,H:60.1")
	}

	c.StartAutoPoll()
	waitFor(t, "five uploads", func() bool { return up.callCount() >= 5 })
	c.StopAutoPoll()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, err := range rec.uploads {
		if err != nil {
			t.Errorf("upload %d failed: %v", i, err)
		}
	}
}

func TestAutoPollStartStopRunsAtMostOneCycle(t *testing.T) {
	opts := testOptions()
	opts.ReadGrace = 20 * time.Millisecond
	opts.PollInterval = 20 * time.Millisecond
	c, tr, up := connectedController(t, opts)
	for i := 0; i < 10; i++ {
		tr.queueReply("T:23.5,H:60.1")
	}

	c.StartAutoPoll()
	c.StopAutoPoll()

	time.Sleep(150 * time.Millisecond)

	if n := len(tr.sent()); n > 1 {
		t.Errorf("sent %d read commands after immediate stop, want at most 1", n)
	}
	if n := up.callCount(); n > 1 {
		t.Errorf("uploaded %d times after immediate stop, want at most 1", n)
	}
}

func TestStopAutoPollDuringWaitSkipsUpload(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = time.Hour
	c, tr, up := connectedController(t, opts)
	tr.queueReply("T:23.5,H:60.1")

	c.StartAutoPoll()
	waitFor(t, "first read", func() bool { return c.Snapshot().Readings.Sensor1 == "23.5" })
	c.StopAutoPoll()

	time.Sleep(50 * time.Millisecond)
	if up.callCount() != 0 {
		t.Errorf("uploaded %d times, want 0 when stopped during the interval wait", up.callCount())
	}
}

func TestStopAutoPollLetsInFlightUploadFinish(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = 5 * time.Millisecond
	c, tr, up := connectedController(t, opts)
	up.delay = 50 * time.Millisecond
	for i := 0; i < 10; i++ {
		tr.queueReply("T:23.5,H:60.1")
	}

	c.StartAutoPoll()
	waitFor(t, "upload in flight", func() bool { return c.Snapshot().Upload == TextSending })
	c.StopAutoPoll()

	waitFor(t, "in-flight upload to finish", func() bool { return c.Snapshot().Upload == TextSentSuccessfully })
	time.Sleep(30 * time.Millisecond)
	if n := up.callCount(); n != 1 {
		t.Errorf("uploaded %d times, want exactly the in-flight one", n)
	}
}

func TestDisconnectStopsAutoPoll(t *testing.T) {
	c, _, _ := connectedController(t, testOptions())

	c.StartAutoPoll()
	c.Disconnect()

	if c.AutoPolling() {
		t.Error("auto-poll still running after Disconnect")
	}
	if c.Snapshot().AutoPoll {
		t.Error("AutoPoll flag still set after Disconnect")
	}
}

func TestAutoPollWithoutConnection(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = 5 * time.Millisecond
	c, _, up := newTestController(t, opts)

	c.StartAutoPoll()
	waitFor(t, "no-connection status", func() bool { return c.Snapshot().Upload == TextNoDataToSend })
	c.StopAutoPoll()

	if c.Snapshot().Message != TextNoConnection {
		t.Errorf("Message = %q, want %q", c.Snapshot().Message, TextNoConnection)
	}
	if up.callCount() != 0 {
		t.Errorf("telemetry called %d times without readings", up.callCount())
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleep(ctx, time.Hour); err == nil {
		t.Error("sleep() on cancelled context returned nil")
	}
	if time.Since(start) > time.Second {
		t.Error("sleep() ignored cancellation")
	}
	if err := sleep(context.Background(), 0); err != nil {
		t.Errorf("sleep(0) error = %v", err)
	}
}
