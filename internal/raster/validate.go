// Package raster evaluates restricted arithmetic expressions over the four
// reflectance bands and keeps the resulting named rasters.
package raster

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidExpression matches every ValidationError.
var ErrInvalidExpression = errors.New("invalid expression")

// ValidationError explains why an expression was refused before parsing.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid expression: " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidExpression }

var (
	allowedChars = regexp.MustCompile(`^[A-Za-z0-9_\s+\-*/%().]+$`)
	bandRef      = regexp.MustCompile(`\bR[1-4]\b`)
)

// Validate checks an expression against the allowed character set and
// operator set. It must reference at least one band R1..R4 as a whole word.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return &ValidationError{Reason: "expression is empty"}
	}
	if !allowedChars.MatchString(expr) {
		return &ValidationError{Reason: "expression contains invalid characters"}
	}
	if strings.Contains(expr, "**") {
		return &ValidationError{Reason: "power operator ** is not supported"}
	}
	if strings.Contains(expr, "//") {
		return &ValidationError{Reason: "floor division // is not supported"}
	}
	if !bandRef.MatchString(expr) {
		return &ValidationError{Reason: "expression must reference at least one band (R1-R4)"}
	}
	return nil
}
