// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/config"
	"github.com/evert-power/evertctl/pkg/evertlink"
)

// Reconnect backoff bounds.
const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

// linkSession carries a handler's traffic over a connection and reopens the connection
// with exponential backoff when it fails.
type linkSession struct {
	link    config.LinkConfig
	handler *evertlink.Handler
	stats   *evertlink.Statistics
	log     *slog.Logger

	// notify receives connectionLostMsg and reconnectedMsg; may be nil.
	notify func(msg any)
}

// run blocks until ctx is cancelled. conn is closed on return.
func (s *linkSession) run(ctx context.Context, conn Connection) {
	for {
		err := evertlink.NewStream(s.handler, conn, s.stats, s.log).Run(ctx)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("link lost", "error", err)
		s.send(connectionLostMsg{err: err})

		var connInfo string
		conn, connInfo = s.reconnect(ctx)
		if conn == nil {
			return
		}
		s.log.Info("link restored", "connection", connInfo)
		s.send(reconnectedMsg{connInfo: connInfo})
	}
}

// reconnect returns nil once ctx is cancelled.
func (s *linkSession) reconnect(ctx context.Context) (Connection, string) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, ""
		case <-time.After(backoff):
		}

		conn, connInfo, err := OpenConnection(s.link)
		if err == nil {
			return conn, connInfo
		}
		s.log.Debug("reconnect failed", "error", err, "retry_in", backoff)

		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *linkSession) send(msg any) {
	if s.notify != nil {
		s.notify(msg)
	}
}

// newCCU creates the CCU described by cfg.
func newCCU(cfg config.Config, log *slog.Logger) (*ccu.CCU, error) {
	return ccu.New(ccu.Config{
		Logger:           log,
		PingInterval:     cfg.CCU.PingInterval,
		PeerTimeout:      cfg.CCU.PeerTimeout,
		DisableInterlock: !cfg.CCU.Interlock,
	})
}

// tickCCU runs the CCU's control tick in real time until ctx is cancelled.
func tickCCU(ctx context.Context, c *ccu.CCU, periodMs uint32) {
	start := time.Now()
	var last uint32

	t := time.NewTicker(time.Duration(periodMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			elapsed := uint32(time.Since(start).Milliseconds())
			c.Tick(elapsed, elapsed-last)
			last = elapsed
		}
	}
}

// linkCCU opens the configured link and runs a CCU on it. The returned stop function
// cancels both and waits for the link to close.
func linkCCU(ctx context.Context, stats *evertlink.Statistics, notify func(any)) (*ccu.CCU, string, func(), error) {
	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		return nil, "", nil, err
	}
	c, err := newCCU(cfg, logger)
	if err != nil {
		conn.Close()
		return nil, "", nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	session := &linkSession{
		link:    cfg.Link,
		handler: c.Handler(),
		stats:   stats,
		log:     logger.With("link", connInfo),
		notify:  notify,
	}
	go func() {
		defer close(done)
		session.run(ctx, conn)
	}()
	go tickCCU(ctx, c, cfg.Simulation.ControlPeriod)

	return c, connInfo, func() {
		cancel()
		<-done
	}, nil
}
