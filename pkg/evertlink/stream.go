// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Stream carries a Handler's traffic over a byte stream such as a serial port or a
// websocket. It is the transport side of the handler.
type Stream struct {
	h     *Handler
	rw    io.ReadWriter
	dec   *Decoder
	enc   *Encoder
	stats *Statistics
	log   *slog.Logger
	buf   []byte
}

// NewStream wraps rw. stats may be nil.
func NewStream(h *Handler, rw io.ReadWriter, stats *Statistics, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = h.log
	}
	return &Stream{
		h:     h,
		rw:    rw,
		dec:   NewDecoder(),
		enc:   NewEncoder(),
		stats: stats,
		log:   logger,
		buf:   make([]byte, 256),
	}
}

// ReadOnce performs one Read and queues the packets it completes.
func (s *Stream) ReadOnce() (int, error) {
	n, err := s.rw.Read(s.buf)
	for _, b := range s.buf[:n] {
		p, derr := s.dec.DecodeByte(b)
		if derr != nil {
			s.log.Debug("frame rejected", "error", derr)
			if s.stats != nil {
				s.stats.Update(nil, derr, nil)
			}
			continue
		}
		if p == nil {
			continue
		}
		if s.stats != nil {
			s.stats.Update(p, nil, ValidatePacket(p))
		}
		if qerr := s.h.Receive(p); qerr != nil {
			s.log.Warn("rx queue full, packet dropped", "message", p.Type())
		}
	}
	return n, err
}

// Flush writes every queued outgoing packet.
func (s *Stream) Flush() error {
	for {
		p, err := s.h.NextOutgoing()
		if errors.Is(err, ErrFIFOEmpty) {
			return nil
		}
		frame, err := s.enc.Encode(p)
		if err != nil {
			s.log.Warn("encode failed", "message", p.Type(), "error", err)
			continue
		}
		if _, err := s.rw.Write(frame); err != nil {
			return fmt.Errorf("write %s: %w", p.Type(), err)
		}
	}
}

// Run reads and writes until ctx is cancelled or the stream fails. Reads happen on their
// own goroutine; a read timeout on the underlying port is not an error.
func (s *Stream) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() {
		for ctx.Err() == nil {
			if _, err := s.ReadOnce(); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					readErr <- err
					return
				}
				readErr <- fmt.Errorf("read: %w", err)
				return
			}
		}
	}()

	flush := time.NewTicker(10 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-s.h.Outgoing():
		case <-flush.C:
		}
		if err := s.Flush(); err != nil {
			return err
		}
	}
}
