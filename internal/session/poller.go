package session

import (
	"context"
	"log/slog"
)

// poller is one running auto-poll loop.
type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartAutoPoll starts the read, wait, upload cycle. It reports false if
// auto-poll was already running.
func (c *Controller) StartAutoPoll() bool {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if c.poll != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}
	c.poll = p
	c.store.update(func(s *State) { s.AutoPoll = true })

	go c.runPoll(ctx, p)
	slog.Info("[SESSION] auto-poll started", "interval", c.opts.PollInterval)
	return true
}

// StopAutoPoll stops the loop without waiting for it. An exchange with the
// device or an upload already underway still completes; nothing after it
// starts.
func (c *Controller) StopAutoPoll() {
	c.stopPoll()
}

// AutoPolling reports whether the loop is running.
func (c *Controller) AutoPolling() bool {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	return c.poll != nil
}

func (c *Controller) stopPoll() *poller {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	p := c.poll
	if p == nil {
		return nil
	}
	c.poll = nil
	p.cancel()
	c.store.update(func(s *State) { s.AutoPoll = false })
	slog.Info("[SESSION] auto-poll stopped")
	return p
}

func (c *Controller) runPoll(ctx context.Context, p *poller) {
	defer close(p.done)

	// Phases already started run to completion on an uncancelled context.
	inflight := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.ReadSensors(inflight); err != nil {
			slog.Debug("[SESSION] auto-poll read", "error", err)
		}

		if err := sleep(ctx, c.opts.PollInterval); err != nil {
			return
		}

		if _, err := c.UploadReadings(inflight); err != nil {
			slog.Debug("[SESSION] auto-poll upload", "error", err)
		}
	}
}
