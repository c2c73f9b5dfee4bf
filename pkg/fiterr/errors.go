// Package fiterr defines the error taxonomy shared by the fitness inference
// components. Callers match with errors.Is; components wrap with %w to add
// context about the offending lineage, column or key.
package fiterr

import "errors"

var (
	// ErrShapeMismatch reports a lineage missing observations at some time point.
	ErrShapeMismatch = errors.New("fitness: shape mismatch")
	// ErrAlreadyProcessed reports that the output artifact already exists.
	ErrAlreadyProcessed = errors.New("fitness: output already processed")
	// ErrMissingDependency reports a replicate model requested without a replicate column.
	ErrMissingDependency = errors.New("fitness: missing dependency")
	// ErrInvalidMode reports an unrecognised fitting strategy flag.
	ErrInvalidMode = errors.New("fitness: invalid mode")
	// ErrInsufficientColors reports fewer palette entries than quantile levels.
	ErrInsufficientColors = errors.New("fitness: insufficient colors")
	// ErrLabelCountMismatch reports a label list whose length disagrees with the parameter count.
	ErrLabelCountMismatch = errors.New("fitness: label count mismatch")
	// ErrDegenerate reports a numerical degeneracy (zero frequencies, non-finite density).
	ErrDegenerate = errors.New("fitness: numerical degeneracy")
	// ErrTotalsMismatch reports a totals vector that disagrees with the count row sums.
	ErrTotalsMismatch = errors.New("fitness: totals mismatch")
	// ErrInvalidInput reports malformed input cells or arguments.
	ErrInvalidInput = errors.New("fitness: invalid input")
)
