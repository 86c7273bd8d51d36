// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in database keys, file paths, or log output. Using these validators
// prevents key-space collisions and path traversal: document identifiers
// name Badger keys on the server and cache files on clients.
package validation

import (
	"fmt"
	"regexp"
)

// MaxIdentifierLength bounds document and user identifiers. Identifiers
// appear in storage keys and metric labels, so unbounded input is a
// cardinality and memory problem before it is anything else.
const MaxIdentifierLength = 128

// identifierPattern matches safe identifiers: it must start with an
// alphanumeric and may continue with alphanumerics, dots, hyphens, and
// underscores. No slashes, no empty segments, so an identifier can
// never traverse out of a cache directory or forge a key prefix.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)

// ValidateDocumentID validates a document identifier.
//
// Valid document IDs:
//   - 1-128 characters
//   - Letters, digits, dots, hyphens, underscores
//   - Must start with a letter or digit
//
// Returns an error describing the first violation found.
//
// Example:
//
//	if err := validation.ValidateDocumentID(docID); err != nil {
//	    return fmt.Errorf("bad document id: %w", err)
//	}
func ValidateDocumentID(id string) error {
	return validateIdentifier("document id", id)
}

// ValidateUserID validates a user identifier under the same rules as
// document IDs.
func ValidateUserID(id string) error {
	return validateIdentifier("user id", id)
}

func validateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%s exceeds %d characters", kind, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%s %q contains invalid characters", kind, id)
	}
	return nil
}
