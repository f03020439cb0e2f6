package grid

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid or missing configuration value, such
// as a rule that references an unknown attribute or a negative radius.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for the given field.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// BoundsError reports access to a cell outside the grid.
type BoundsError struct {
	Row, Col   int
	Rows, Cols int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("grid: cell (%d, %d) out of bounds for %dx%d grid", e.Row, e.Col, e.Rows, e.Cols)
}

// GeometryMismatchError reports an attempt to combine grids whose extent,
// cell size, alignment or CRS differ.
type GeometryMismatchError struct {
	Want, Got Geometry
	Reason    string
}

func (e *GeometryMismatchError) Error() string {
	return fmt.Sprintf("grid: geometry mismatch: %s (want %s, got %s)", e.Reason, e.Want, e.Got)
}

// DataError reports an input stack that lacks a required layer or carries a
// malformed one.
type DataError struct {
	Layer  string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("grid: layer %q: %s", e.Layer, e.Reason)
}

// IsConfiguration reports whether err (or any error in its chain) is a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsBounds reports whether err (or any error in its chain) is a BoundsError.
func IsBounds(err error) bool {
	var target *BoundsError
	return errors.As(err, &target)
}

// IsGeometryMismatch reports whether err (or any error in its chain) is a GeometryMismatchError.
func IsGeometryMismatch(err error) bool {
	var target *GeometryMismatchError
	return errors.As(err, &target)
}

// IsData reports whether err (or any error in its chain) is a DataError.
func IsData(err error) bool {
	var target *DataError
	return errors.As(err, &target)
}
