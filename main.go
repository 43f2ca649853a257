// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// evertctl - supervisory control toolkit for Evert power converters
//
// Simulates the device supervisory core against synthetic plants, monitors and
// commands devices on the link, and bridges the CCU's view to MQTT.

package main

import (
	"os"

	"github.com/evert-power/evertctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
