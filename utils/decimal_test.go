package utils

import (
	"encoding/json"
	"testing"
)

func TestParseAmount_AcceptsFormattedStrings(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"20000", "20000"},
		{"20,000", "20000"},
		{"PHP 20,000", "20000"},
		{"PHP -20,000", "-20000"},
		{"₱1,234.50", "1234.5"},
		{"(1,200.00)", "-1200"},
		{"  php 99.99  ", "99.99"},
	}
	for _, tc := range cases {
		d, err := ParseAmount(tc.in)
		if err != nil {
			t.Fatalf("ParseAmount(%q) error: %v", tc.in, err)
		}
		if d.String() != tc.expected {
			t.Fatalf("ParseAmount(%q) expected %s, got %s", tc.in, tc.expected, d.String())
		}
	}
}

func TestParseAmount_RejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "PHP", "abc"} {
		if _, err := ParseAmount(in); err == nil {
			t.Fatalf("ParseAmount(%q) expected error", in)
		}
	}
}

func TestAmount_UnmarshalJSON(t *testing.T) {
	var rows []struct {
		Amount Amount `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`[{"amount":"1,000.25"},{"amount":12.5},{"amount":null}]`), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"1000.25", "12.5", "0"}
	for i, w := range want {
		if rows[i].Amount.String() != w {
			t.Fatalf("row %d expected %s, got %s", i, w, rows[i].Amount.String())
		}
	}
}
