// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Statistics tracks packet statistics and error rates
type Statistics struct {
	mu sync.Mutex

	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets     uint64
	ValidPackets     uint64
	CRCErrors        uint64
	DecodeErrors     uint64
	MalformedPackets uint64
	UnknownMessages  uint64
	PayloadErrors    uint64
	InvalidSources   uint64
	AnomalousValues  uint64
	InvalidStates    uint64
	InvalidDuty      uint64
	InvalidTemp      uint64
	InvalidValues    uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a packet and its errors
func (s *Statistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalPackets++

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrCRCMismatch) {
			s.CRCErrors++
		} else {
			// framing, overflow, escape errors
			s.DecodeErrors++
		}
		return
	}

	if len(validationErrors) == 0 {
		s.ValidPackets++
		s.LastUpdateTime = time.Now()
		return
	}

	for _, err := range validationErrors {
		switch err.Type {
		case AnomalyUnknownMessage:
			s.UnknownMessages++
			s.MalformedPackets++
		case AnomalyDecodeError:
			s.PayloadErrors++
			s.MalformedPackets++
		case AnomalyCRCError:
			s.CRCErrors++
		case AnomalyInvalidSource:
			s.InvalidSources++
			s.MalformedPackets++
		case AnomalyInvalidState:
			s.InvalidStates++
			s.AnomalousValues++
		case AnomalyInvalidDutyCycle:
			s.InvalidDuty++
			s.AnomalousValues++
		case AnomalyInvalidTemp:
			s.InvalidTemp++
			s.AnomalousValues++
		case AnomalyInvalidMode, AnomalyInvalidValue:
			s.InvalidValues++
			s.AnomalousValues++
		}
	}

	s.LastUpdateTime = time.Now()
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
}

func (s *Statistics) calculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		s.ErrorRate = float64(s.errorCount()) / elapsed
	}
}

func (s *Statistics) errorCount() uint64 {
	return s.CRCErrors + s.DecodeErrors + s.MalformedPackets + s.AnomalousValues
}

// Errors returns the total number of errors recorded so far.
func (s *Statistics) Errors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount()
}

// Totals returns the packet and error counts with the current packet rate.
func (s *Statistics) Totals() (packets, errs uint64, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
	return s.TotalPackets, s.errorCount(), s.PacketRate
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calculateRates()

	percent := func(n uint64) float64 {
		if s.TotalPackets == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalPackets)
	}

	var b strings.Builder
	elapsed := time.Since(s.StartTime)

	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Total Packets:   %8d\n", s.TotalPackets)
	fmt.Fprintf(&b, "Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, percent(s.ValidPackets))

	if s.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors))
	}
	if s.DecodeErrors > 0 {
		fmt.Fprintf(&b, "Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.MalformedPackets > 0 {
		fmt.Fprintf(&b, "Malformed Pkts:  %8d (%.1f%%)\n", s.MalformedPackets, percent(s.MalformedPackets))
		if s.UnknownMessages > 0 {
			fmt.Fprintf(&b, "  Unknown Message:  %5d\n", s.UnknownMessages)
		}
		if s.PayloadErrors > 0 {
			fmt.Fprintf(&b, "  Bad Payload:      %5d\n", s.PayloadErrors)
		}
		if s.InvalidSources > 0 {
			fmt.Fprintf(&b, "  Invalid Source:   %5d\n", s.InvalidSources)
		}
	}
	if s.AnomalousValues > 0 {
		fmt.Fprintf(&b, "Anomalous Values:%8d (%.1f%%)\n", s.AnomalousValues, percent(s.AnomalousValues))
		if s.InvalidStates > 0 {
			fmt.Fprintf(&b, "  Invalid State:    %5d\n", s.InvalidStates)
		}
		if s.InvalidDuty > 0 {
			fmt.Fprintf(&b, "  Invalid Duty:     %5d\n", s.InvalidDuty)
		}
		if s.InvalidTemp > 0 {
			fmt.Fprintf(&b, "  Invalid Temp:     %5d\n", s.InvalidTemp)
		}
		if s.InvalidValues > 0 {
			fmt.Fprintf(&b, "  Invalid Value:    %5d\n", s.InvalidValues)
		}
	}

	fmt.Fprintf(&b, "Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")

	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.TotalPackets = 0
	s.ValidPackets = 0
	s.CRCErrors = 0
	s.DecodeErrors = 0
	s.MalformedPackets = 0
	s.UnknownMessages = 0
	s.PayloadErrors = 0
	s.InvalidSources = 0
	s.AnomalousValues = 0
	s.InvalidStates = 0
	s.InvalidDuty = 0
	s.InvalidTemp = 0
	s.InvalidValues = 0
	s.PacketRate = 0
	s.ErrorRate = 0
}
