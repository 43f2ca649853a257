// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/statusreg"
)

// Matrix assigns the indices of one alarm register to a severity class.
// Indices not listed in any class do not influence the device state.
type Matrix[I statusreg.Index] struct {
	Emergency      []I
	NonOperational []I
	Warning        []I
}

// Validate checks the index range and that no index sits in two classes.
func (m Matrix[I]) Validate() error {
	all := make([]I, 0, len(m.Emergency)+len(m.NonOperational)+len(m.Warning))
	all = append(all, m.Emergency...)
	all = append(all, m.NonOperational...)
	all = append(all, m.Warning...)
	if err := statusreg.CheckIndex(all...); err != nil {
		return fmt.Errorf("alarm matrix: %w", err)
	}
	if err := statusreg.CheckDistinct(all...); err != nil {
		return fmt.Errorf("alarm matrix: %w", err)
	}
	return nil
}

// Classify maps the register contents to a state, most severe class first.
func (m Matrix[I]) Classify(reg *statusreg.Register[I]) State {
	switch {
	case reg.IsAnySet(m.Emergency):
		return EmergencyShutdown
	case reg.IsAnySet(m.NonOperational):
		return NonOperational
	case reg.IsAnySet(m.Warning):
		return OperationalWarning
	default:
		return Operational
	}
}

// Classifier yields the state one alarm register asks for.
type Classifier interface {
	Classify() State
}

// Classification binds a matrix to the register it classifies.
type Classification[I statusreg.Index] struct {
	Register *statusreg.Register[I]
	Matrix   Matrix[I]
}

// Classify implements Classifier.
func (c Classification[I]) Classify() State {
	return c.Matrix.Classify(c.Register)
}

// ClassifyAll combines several registers: the most severe class wins.
func ClassifyAll(cs ...Classifier) State {
	s := Operational
	for _, c := range cs {
		s = Worst(s, c.Classify())
	}
	return s
}
