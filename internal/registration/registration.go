// Package registration implements the proxy's registration collaborator:
// it periodically reports slot occupancy to an external directory service
// so the proxy can be discovered by EchoLink clients, without ever blocking
// the core on network I/O.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Hook is what the Slot Pool calls whenever occupancy changes. Tests use
// NoOp; a running proxy uses an *HTTPClient.
type Hook interface {
	Start(ctx context.Context) error
	Update(used, total int)
	Stop()
}

// NoOp discards every update; it's what a proxy configured without a
// directory_url uses, and what unit tests for the rest of the core use.
type NoOp struct{}

func (NoOp) Start(context.Context) error { return nil }
func (NoOp) Update(int, int)             {}
func (NoOp) Stop()                       {}

type occupancy struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// report is the JSON body POSTed to the directory endpoint.
type report struct {
	StationID string `json:"station_id"`
	Used      int    `json:"used"`
	Total     int    `json:"total"`
}

// HTTPClient reports occupancy to a directory endpoint over HTTP: an initial
// synchronous report so misconfiguration surfaces immediately, followed by
// a background ticker loop on a fixed interval.
type HTTPClient struct {
	DirectoryURL string
	StationID    string
	Interval     time.Duration
	Logger       *logrus.Logger
	Client       *http.Client

	current atomic.Pointer[occupancy]
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start performs one synchronous report (so a bad directory_url is caught
// during proxy startup rather than silently retried forever) and then
// launches the background reporting loop.
func (c *HTTPClient) Start(ctx context.Context) error {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	c.current.CompareAndSwap(nil, &occupancy{})

	if err := c.send(ctx); err != nil {
		return fmt.Errorf("registration: initial report failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx)

	return nil
}

// Update stores the latest occupancy for the background loop to pick up on
// its own cadence. It never performs I/O and so never blocks the caller,
// which matters because callers include the hot authorization path.
func (c *HTTPClient) Update(used, total int) {
	c.current.Store(&occupancy{Used: used, Total: total})
}

// Stop cancels the background loop and waits for it to exit.
func (c *HTTPClient) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *HTTPClient) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx); err != nil && c.Logger != nil {
				c.Logger.WithError(err).Warn("registration report failed")
			}
		}
	}
}

func (c *HTTPClient) send(ctx context.Context) error {
	o := c.current.Load()
	if o == nil {
		o = &occupancy{}
	}

	body, err := json.Marshal(report{StationID: c.StationID, Used: o.Used, Total: o.Total})
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.DirectoryURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	return nil
}
