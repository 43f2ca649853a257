// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import "github.com/evert-power/evertctl/pkg/mathx"

// DefaultPingTimeout is the longest silence from the controller before comms are critical.
const DefaultPingTimeout uint32 = 1200

// PingWatchdog tracks the time since the last controller ping. It stays disarmed until the
// first ping so a device on the bench without a controller never trips it.
type PingWatchdog struct {
	timeout uint32
	since   uint32
	armed   bool
}

// NewPingWatchdog creates a disarmed watchdog. Zero means DefaultPingTimeout.
func NewPingWatchdog(timeout uint32) *PingWatchdog {
	if timeout == 0 {
		timeout = DefaultPingTimeout
	}
	return &PingWatchdog{timeout: timeout}
}

// Ping records a ping and arms the watchdog.
func (w *PingWatchdog) Ping() {
	w.since = 0
	w.armed = true
}

// Tick advances the watchdog and reports whether the timeout has been exceeded.
func (w *PingWatchdog) Tick(delta uint32) bool {
	if !w.armed {
		return false
	}
	w.since = mathx.SaturatingAdd(w.since, delta)
	return w.since > w.timeout
}

// SinceLast returns the milliseconds since the last ping and whether one has been seen.
func (w *PingWatchdog) SinceLast() (uint32, bool) {
	return w.since, w.armed
}
