// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package models

import "testing"

func TestInferKind(t *testing.T) {
	tests := []struct {
		name        string
		attachments []Attachment
		want        Kind
	}{
		{"no attachments", nil, KindText},
		{"empty slice", []Attachment{}, KindText},
		{"single image", []Attachment{{ContentType: "image/png"}}, KindImage},
		{"single file", []Attachment{{ContentType: "application/pdf"}}, KindFile},
		{"mixed prefers image", []Attachment{
			{ContentType: "application/zip"},
			{ContentType: "image/jpeg"},
		}, KindImage},
		{"unknown content type", []Attachment{{ContentType: ""}}, KindFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferKind(tt.attachments); got != tt.want {
				t.Errorf("InferKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeliveryStatusLattice(t *testing.T) {
	if !StatusRead.AtLeast(StatusDelivered) || !StatusDelivered.AtLeast(StatusSent) {
		t.Fatal("status ordering broken: want read >= delivered >= sent")
	}
	if StatusSent.AtLeast(StatusRead) {
		t.Fatal("sent must not rank at or above read")
	}

	tests := []struct {
		a, b, want DeliveryStatus
	}{
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusSent, StatusSent, StatusSent},
		{StatusRead, "", StatusRead},
	}
	for _, tt := range tests {
		if got := MaxStatus(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxStatus(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDeliveryStatusValid(t *testing.T) {
	for _, s := range []DeliveryStatus{StatusSent, StatusDelivered, StatusRead} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []DeliveryStatus{"", "seen", "SENT"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}
