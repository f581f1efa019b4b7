// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides configuration and identifier validation shared
// by the router components.
//
// Struct validation uses go-playground/validator tags. Two custom tags are
// registered:
//
//   - unit: float field within [0, 1]
//   - armid: arm identifier (see ValidateArmID)
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("validation failed")

// armIDPattern matches arm identifiers.
// Allows: lowercase letters, digits, underscores, hyphens
// Max length: 32 characters
var armIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,31}$`)

// validate is the shared validator instance. validator.Validate caches
// struct metadata and is safe for concurrent use.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("unit", validateUnit)
	_ = validate.RegisterValidation("armid", validateArmIDTag)
}

func validateUnit(fl validator.FieldLevel) bool {
	v := fl.Field().Float()
	return v >= 0 && v <= 1
}

func validateArmIDTag(fl validator.FieldLevel) bool {
	return armIDPattern.MatchString(fl.Field().String())
}

// Struct validates v using its `validate` tags.
//
// Description:
//
//	Runs the shared validator and flattens field errors into one message
//	of the form "Field: tag=param; ...". The result wraps ErrInvalid.
//
// Inputs:
//   - v: Pointer to or value of a struct.
//
// Outputs:
//   - error: Nil when valid.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s (got %v)", fe.Namespace(), rule, fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
}

// ValidateArmID validates an arm identifier.
//
// Valid identifiers:
//   - 1-32 characters
//   - Lowercase letters a-z and digits 0-9
//   - Underscores and hyphens after the first character
//
// Arm IDs become Prometheus label values and storage keys, so the charset
// is kept narrow.
func ValidateArmID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: arm id cannot be empty", ErrInvalid)
	}
	if !armIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid arm id %q (must be 1-32 lowercase alphanumeric chars, underscores, or hyphens)", ErrInvalid, id)
	}
	return nil
}

// SumsToOne reports whether the values sum to 1 within tolerance.
func SumsToOne(tolerance float64, values ...float64) bool {
	var total float64
	for _, v := range values {
		total += v
	}
	diff := total - 1
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
