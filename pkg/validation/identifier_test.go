// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateDocumentID(t *testing.T) {
	valid := []string{
		"design-doc",
		"notes.2025",
		"a",
		"Doc_7",
		"0ff1ce",
		strings.Repeat("x", MaxIdentifierLength),
	}
	for _, id := range valid {
		if err := ValidateDocumentID(id); err != nil {
			t.Errorf("ValidateDocumentID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"../../etc/passwd",
		"a/b",
		".hidden",
		"-leading-dash",
		"has space",
		"colon:in:key",
		strings.Repeat("x", MaxIdentifierLength+1),
		"newline\nid",
	}
	for _, id := range invalid {
		if err := ValidateDocumentID(id); err == nil {
			t.Errorf("ValidateDocumentID(%q) = nil, want error", id)
		}
	}
}

func TestValidateUserIDSharesRules(t *testing.T) {
	if err := ValidateUserID("alice@example"); err == nil {
		t.Error("expected @ to be rejected")
	}
	if err := ValidateUserID("alice"); err != nil {
		t.Errorf("ValidateUserID(alice) = %v", err)
	}
}
