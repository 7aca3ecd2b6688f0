// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package schedrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/scheduler"
)

const (
	clientDialTimeout    = 2 * time.Second
	clientIOTimeout      = 200 * time.Millisecond
	clientKeepAlive      = 15 * time.Second
	clientMaxFailures    = 3 // consecutive failures before bypass
	clientBypassCooldown = 10 * time.Second
	clientQueueSize      = 4096
	clientBatchMax       = 128
	clientIdlePoll       = 500 * time.Millisecond
)

// Client is the fuzzer-side end of the scheduler channel. Factor reads
// are lock-free against a cached value; submits are queued and batched by
// a background sender so the per-execution cost is one channel send. When
// the scheduler peer is unavailable the client degrades to the configured
// neutral factor instead of blocking or crashing the fuzzing loop.
type Client struct {
	spec    string
	neutral float64
	logf    func(level int, msg string, args ...any)

	factorBits atomic.Uint64 // cached last-known correction factor
	healthy    atomic.Bool
	dropped    atomic.Int64 // reports dropped on queue overflow

	submits chan scheduler.Report
	done    chan struct{}
	wg      sync.WaitGroup

	// Persistent connection, owned by the sender goroutine's send path.
	connMu      sync.Mutex
	conn        net.Conn
	reader      *bufio.Scanner
	failCount   int
	bypassUntil time.Time
}

// NewClient starts the background sender. The peer does not need to be up
// yet: the client keeps retrying with a cooldown and serves the neutral
// factor meanwhile.
func NewClient(spec string, neutral float64, logf func(level int, msg string, args ...any)) *Client {
	c := &Client{
		spec:    spec,
		neutral: neutral,
		logf:    logf,
		submits: make(chan scheduler.Report, clientQueueSize),
		done:    make(chan struct{}),
	}
	c.factorBits.Store(math.Float64bits(neutral))
	c.wg.Add(1)
	go c.senderLoop()
	return c
}

// Factor returns the correction factor for the next scheduling decision.
// Lock-free. Returns the neutral constant while the channel is down.
func (c *Client) Factor() float64 {
	if !c.healthy.Load() {
		return c.neutral
	}
	return math.Float64frombits(c.factorBits.Load())
}

// Submit queues one execution report. Never blocks: on queue overflow the
// report is dropped and counted, trading estimator signal for hot-path
// latency.
func (c *Client) Submit(rep scheduler.Report) {
	select {
	case c.submits <- rep:
	default:
		c.dropped.Add(1)
	}
}

// ReportBug forwards a crash discovery. Best effort.
func (c *Client) ReportBug(bugID string) {
	_, err := c.send(request{Method: "bug", BugID: bugID})
	if err != nil {
		c.logf(1, "schedrpc: bug report %q not delivered: %v", bugID, err)
	}
}

// Healthy reports whether the scheduler peer answered recently.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// Dropped returns how many reports were shed on queue overflow.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Stop terminates the sender, flushes nothing further and closes the
// connection. Queued reports are dropped; safe during campaign teardown.
func (c *Client) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
	c.connMu.Lock()
	c.closeConnLocked()
	c.connMu.Unlock()
}

// senderLoop drains the submit queue in batches and keeps the cached
// factor fresh, polling when the queue is idle.
func (c *Client) senderLoop() {
	defer c.wg.Done()
	batch := make([]scheduler.Report, 0, clientBatchMax)
	idle := time.NewTicker(clientIdlePoll)
	defer idle.Stop()

	for {
		batch = batch[:0]
		select {
		case <-c.done:
			return
		case rep := <-c.submits:
			batch = append(batch, rep)
			// Opportunistically drain whatever else queued up.
			for len(batch) < clientBatchMax {
				select {
				case more := <-c.submits:
					batch = append(batch, more)
				default:
					goto send
				}
			}
		case <-idle.C:
			// No submits: poll the factor to stay fresh and detect
			// peer recovery.
		}
	send:
		var resp *response
		var err error
		if len(batch) > 0 {
			resp, err = c.send(request{Method: "submit", Reports: batch})
		} else {
			resp, err = c.send(request{Method: "factor"})
		}
		if err != nil {
			c.markUnhealthy(err)
			continue
		}
		c.factorBits.Store(math.Float64bits(resp.Factor))
		if !c.healthy.Swap(true) {
			c.logf(0, "schedrpc: scheduler channel up, factor=%v", resp.Factor)
		}
	}
}

func (c *Client) markUnhealthy(err error) {
	if c.healthy.Swap(false) {
		c.logf(0, "schedrpc: scheduler channel down (%v), degrading to neutral factor %v",
			err, c.neutral)
	}
}

// connect establishes or re-establishes the persistent connection.
// Must be called with connMu held.
func (c *Client) connect() error {
	c.closeConnLocked()
	network, addr, err := ParseAddr(c.spec)
	if err != nil {
		return err
	}
	dialer := net.Dialer{
		Timeout:   clientDialTimeout,
		KeepAlive: clientKeepAlive,
	}
	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewScanner(conn)
	c.reader.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	c.failCount = 0
	return nil
}

// send performs one request/response exchange, reconnecting once on a
// stale connection. After clientMaxFailures consecutive failures it
// bypasses the wire entirely until the cooldown expires.
func (c *Client) send(req request) (*response, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.failCount >= clientMaxFailures && time.Now().Before(c.bypassUntil) {
		return nil, fmt.Errorf("bypassed after %d consecutive failures", c.failCount)
	}
	if c.conn == nil {
		if err := c.connect(); err != nil {
			c.noteFailure()
			return nil, err
		}
	}
	resp, err := c.sendOnConn(req)
	if err != nil {
		if connErr := c.connect(); connErr != nil {
			c.noteFailure()
			return nil, connErr
		}
		resp, err = c.sendOnConn(req)
		if err != nil {
			c.noteFailure()
			return nil, err
		}
	}
	c.failCount = 0
	return resp, nil
}

// sendOnConn writes one line and reads one line. Must hold connMu.
func (c *Client) sendOnConn(req request) (*response, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("no connection")
	}
	c.conn.SetDeadline(time.Now().Add(clientIOTimeout))

	data, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return nil, err
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("connection closed by scheduler")
	}
	var resp response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("scheduler error: %s", resp.Error)
	}
	return &resp, nil
}

func (c *Client) noteFailure() {
	c.failCount++
	if c.failCount >= clientMaxFailures {
		c.bypassUntil = time.Now().Add(clientBypassCooldown)
	}
}

func (c *Client) closeConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}
