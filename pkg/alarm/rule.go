// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package alarm

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/evert-power/evertctl/pkg/statusreg"
)

// Rule binds a threshold to the register indices it drives.
type Rule[I statusreg.Index] interface {
	Apply(e *Evaluator[I], value float32) bool
	Indices() []I
	Validate() error
}

// HighRule is a 2-band rule.
type HighRule[I statusreg.Index] struct {
	Threshold HighThreshold
	Warning   I
	Critical  I
}

// Apply runs the check.
func (r HighRule[I]) Apply(e *Evaluator[I], value float32) bool {
	return e.CheckHigh(value, r.Threshold, r.Warning, r.Critical)
}

// Indices returns the warning and critical indices.
func (r HighRule[I]) Indices() []I {
	return []I{r.Warning, r.Critical}
}

// Validate checks the threshold and index range.
func (r HighRule[I]) Validate() error {
	if err := r.Threshold.Validate(); err != nil {
		return err
	}
	return statusreg.CheckIndex(r.Warning, r.Critical)
}

// BandRule is a 4-band rule.
type BandRule[I statusreg.Index] struct {
	Threshold    BandThreshold
	LowWarning   I
	LowCritical  I
	HighWarning  I
	HighCritical I
}

// Apply runs the check.
func (r BandRule[I]) Apply(e *Evaluator[I], value float32) bool {
	return e.CheckBand(value, r.Threshold, r.LowWarning, r.LowCritical, r.HighWarning, r.HighCritical)
}

// Indices returns all four indices.
func (r BandRule[I]) Indices() []I {
	return []I{r.LowWarning, r.LowCritical, r.HighWarning, r.HighCritical}
}

// Validate checks the threshold and index range.
func (r BandRule[I]) Validate() error {
	if err := r.Threshold.Validate(); err != nil {
		return err
	}
	return statusreg.CheckIndex(r.Indices()...)
}

// Monitor evaluates one input signal against one rule.
type Monitor[I statusreg.Index] struct {
	Name  string
	Input signal.Reader
	Rule  Rule[I]
}

// Table is the monitor set of one register, fixed at configuration time.
type Table[I statusreg.Index] []Monitor[I]

// Validate rejects misordered thresholds, missing inputs and indices that are driven by
// more than one monitor.
func (t Table[I]) Validate() error {
	var all []I
	for _, m := range t {
		if m.Input == nil {
			return fmt.Errorf("monitor %q: no input", m.Name)
		}
		if m.Rule == nil {
			return fmt.Errorf("monitor %q: no rule", m.Name)
		}
		if err := m.Rule.Validate(); err != nil {
			return fmt.Errorf("monitor %q: %w", m.Name, err)
		}
		all = append(all, m.Rule.Indices()...)
	}
	return statusreg.CheckDistinct(all...)
}
