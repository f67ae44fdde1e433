package loadgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
)

// Config describes a load run
type Config struct {
	Target    string        // host:port of the receiver
	Senders   int           // concurrent senders, each with its own socket
	Datagrams int           // datagrams per sender
	Payload   []byte        // prefix of every datagram
	Timeout   time.Duration // per reply
}

// Result summarises a load run
type Result struct {
	Sent       int64
	Replies    int64
	Mismatched int64
	Timeouts   int64
	Duration   time.Duration
}

// Lost returns the number of requests that got no matching reply
func (r Result) Lost() int64 {
	return r.Sent - r.Replies
}

// Validate checks the run parameters
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target must be set")
	}
	if c.Senders < 1 {
		return fmt.Errorf("senders must be positive, got %d", c.Senders)
	}
	if c.Datagrams < 1 {
		return fmt.Errorf("datagrams must be positive, got %d", c.Datagrams)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

type counters struct {
	sent       atomic.Int64
	replies    atomic.Int64
	mismatched atomic.Int64
	timeouts   atomic.Int64
}

// Run sends cfg.Datagrams datagrams from each of cfg.Senders sockets and waits for
// each reply before sending the next. A sender stops at its first timeout.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Target)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve target: %w", err)
	}

	pool := pond.New(cfg.Senders, cfg.Senders)
	defer pool.StopAndWait()

	group, gctx := pool.GroupContext(ctx)

	var c counters
	start := time.Now()
	for i := 0; i < cfg.Senders; i++ {
		sender := i
		group.Submit(func() error {
			return send(gctx, addr, sender, cfg, &c)
		})
	}
	err = group.Wait()

	res := Result{
		Sent:       c.sent.Load(),
		Replies:    c.replies.Load(),
		Mismatched: c.mismatched.Load(),
		Timeouts:   c.timeouts.Load(),
		Duration:   time.Since(start),
	}
	return res, err
}

func send(ctx context.Context, addr *net.UDPAddr, sender int, cfg Config, c *counters) error {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("sender %d: failed to dial: %w", sender, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	buf := make([]byte, len(cfg.Payload)+32)
	for seq := 0; seq < cfg.Datagrams; seq++ {
		msg := datagram(cfg.Payload, sender, seq)
		if _, err := conn.Write(msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sender %d: failed to send: %w", sender, err)
		}
		c.sent.Add(1)

		if err := conn.SetReadDeadline(time.Now().Add(cfg.Timeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.timeouts.Add(1)
				return fmt.Errorf("sender %d: no reply to datagram %d within %s", sender, seq, cfg.Timeout)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sender %d: failed to receive: %w", sender, err)
		}

		if !bytes.Equal(buf[:n], msg) {
			c.mismatched.Add(1)
			continue
		}
		c.replies.Add(1)
	}
	return nil
}

// datagram tags payload with the sender and sequence so replies can be matched
func datagram(payload []byte, sender, seq int) []byte {
	msg := make([]byte, 0, len(payload)+24)
	msg = append(msg, payload...)
	msg = append(msg, '-')
	msg = strconv.AppendInt(msg, int64(sender), 10)
	msg = append(msg, '-')
	msg = strconv.AppendInt(msg, int64(seq), 10)
	return msg
}
