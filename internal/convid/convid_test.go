// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package convid

import (
	"math"
	"testing"
)

func TestFromThreadID(t *testing.T) {
	tests := []struct {
		name    string
		id      int64
		want    string
		wantErr bool
	}{
		{"small id", 7, "00000000-0000-0000-0000-000000000007", false},
		{"multi digit", 123456, "00000000-0000-0000-0000-000000123456", false},
		{"max int64", math.MaxInt64, "00000000-0000-0922-3372-036854775807", false},
		{"zero", 0, "", true},
		{"negative", -4, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromThreadID(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("FromThreadID(%d) expected error, got %q", tt.id, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromThreadID(%d) unexpected error: %v", tt.id, err)
			}
			if got != tt.want {
				t.Errorf("FromThreadID(%d) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ids := []int64{1, 2, 7, 42, 999, 100000, 987654321, math.MaxInt64}

	for _, id := range ids {
		ext, err := FromThreadID(id)
		if err != nil {
			t.Fatalf("FromThreadID(%d): %v", id, err)
		}
		back, err := ToThreadID(ext)
		if err != nil {
			t.Fatalf("ToThreadID(%q): %v", ext, err)
		}
		if back != id {
			t.Errorf("round trip %d -> %q -> %d", id, ext, back)
		}
	}
}

func TestToThreadIDMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too few groups", "00000000-0000-0000-000000000007"},
		{"wrong group width", "0000000-00000-0000-0000-000000000007"},
		{"hex digits", "0000000a-0000-0000-0000-000000000007"},
		{"all zeros", "00000000-0000-0000-0000-000000000000"},
		{"trailing garbage", "00000000-0000-0000-0000-000000000007x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if id, err := ToThreadID(tt.input); err == nil {
				t.Errorf("ToThreadID(%q) = %d, want error", tt.input, id)
			}
		})
	}
}
