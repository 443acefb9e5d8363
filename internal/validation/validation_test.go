package validation

import (
	"testing"
)

func TestIsValidPair(t *testing.T) {
	tests := []struct {
		pair  string
		valid bool
	}{
		{"SOL/USDC", true},
		{"ETH/USDC", true},
		{"BTC/DAI", true},

		// Invalid cases
		{"SOLUSDC", false},
		{"sol/usdc", false},
		{"SOL/", false},
		{"/USDC", false},
		{"S/USDC", false}, // base too short
		{"VERYLONGTOKEN/USDC", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidPair(tc.pair)
		if result != tc.valid {
			t.Errorf("IsValidPair(%q) = %v, want %v", tc.pair, result, tc.valid)
		}
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"arn_1a2b3c4d", true},
		{"ag_fE9a01", true},
		{"les_0000", true},

		// Invalid cases
		{"arn-1a2b3c4d", false},
		{"1a2b3c4d", false},
		{"arn_", false},
		{"_1a2b", false},
		{"arn_1a2b;drop", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},

		{"1234567890123456789012345678901234567890", false}, // No 0x
		{"0x12345678901234567890123456789012345678", false}, // Too short
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  alice  ", 64, "alice"},
		{"bob\x00smith", 64, "bobsmith"},
		{"abcdefgh", 4, "abcd"},
		{"", 64, ""},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		ValidPair("pair", "SOLUSDC"),
		OneOf("archetype", "reckless", "aggressive", "conservative"),
		MaxLength("reason", "ok", 64),
	)
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}
	if errs.Error() != "name: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestValidateEmptyOptionalFieldsPass(t *testing.T) {
	errs := Validate(
		ValidPair("pair", ""),
		OneOf("archetype", "", "aggressive"),
	)
	if len(errs) != 0 {
		t.Fatalf("got %d errors, want 0: %v", len(errs), errs)
	}
}
