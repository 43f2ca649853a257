// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/evertlink"
)

var (
	soakDuration int
	soakHex      bool
)

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "Test raw connection stability",
	Long: `Hold the connection open for a while without transmitting, counting the
bytes and frames received and stopping at the first connection error.

A heartbeat line is printed every second. With --hex every chunk read is
dumped as it arrives. Useful for chasing flaky cables and websocket bridges.

Exit codes:
  0 - Connection stayed up for the whole duration
  1 - Connection failed during the test
  2 - Connection error`,
	RunE: runSoak,
}

func init() {
	rootCmd.AddCommand(soakCmd)
	soakCmd.Flags().IntVar(&soakDuration, "duration", 30, "Test duration in seconds")
	soakCmd.Flags().BoolVar(&soakHex, "hex", false, "Dump every chunk received")
}

// soakCounts tallies what a soak test received.
type soakCounts struct {
	chunks  int
	bytes   int
	frames  int
	corrupt int
}

func (c soakCounts) print(elapsed time.Duration) {
	fmt.Printf("\n--- Test Results ---\n")
	fmt.Printf("Duration: %v\n", elapsed.Round(time.Second))
	fmt.Printf("Chunks received: %d\n", c.chunks)
	fmt.Printf("Bytes received: %d\n", c.bytes)
	fmt.Printf("Frames decoded: %d\n", c.frames)
	fmt.Printf("Decode errors: %d\n", c.corrupt)
}

func runSoak(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("evertctl - Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", soakDuration)

	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
		}
	}()

	start := time.Now()
	endTime := start.Add(time.Duration(soakDuration) * time.Second)
	dec := evertlink.NewDecoder()
	var counts soakCounts

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	fmt.Printf("Listening for data...\n\n")

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			counts.chunks++
			counts.bytes += len(data)
			for _, b := range data {
				p, err := dec.DecodeByte(b)
				switch {
				case err != nil:
					counts.corrupt++
				case p != nil:
					counts.frames++
				}
			}
			if soakHex {
				fmt.Printf("[%s] Received %d bytes: %x\n",
					time.Now().Format("15:04:05.000"), len(data), data)
			}

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n",
				time.Now().Format("15:04:05.000"), err)
			counts.print(time.Since(start))
			fmt.Printf("Result: FAILED (connection error)\n")
			os.Exit(1)

		case <-heartbeat.C:
			fmt.Printf("[%s] Still connected... %d frames (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), counts.frames, time.Until(endTime).Seconds())
		}
	}

	counts.print(time.Since(start))
	fmt.Printf("Result: PASSED (connection stable)\n")
	return nil
}
