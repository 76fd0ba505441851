// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package convid maps internal numeric thread ids to the externally
// visible conversation identifiers used on the wire.
//
// The mapping is a pure, reversible transform: the decimal thread id is
// zero-padded to 32 digits and grouped 8-4-4-4-12, giving identifiers
// that are UUID-shaped but deterministic. No state, no persistence.
//
//	FromThreadID(7) == "00000000-0000-0000-0000-000000000007"
//
// TODO: replace the padded-decimal scheme with a namespaced UUIDv5 (or
// a mapping table) before federating with external conversation ids;
// the padded form leaks the thread counter.
package convid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// encoded length of the padded id, excluding separators.
const digitCount = 32

// group widths of the canonical external form.
var groupWidths = [5]int{8, 4, 4, 4, 12}

// Errors returned for malformed input.
var (
	ErrInvalidThreadID       = errors.New("thread id must be a positive integer")
	ErrInvalidConversationID = errors.New("malformed conversation id")
)

// FromThreadID derives the external conversation identifier for an
// internal numeric thread id. Non-positive ids are rejected.
func FromThreadID(threadID int64) (string, error) {
	if threadID <= 0 {
		return "", ErrInvalidThreadID
	}

	padded := fmt.Sprintf("%032d", threadID)

	var b strings.Builder
	b.Grow(digitCount + len(groupWidths) - 1)
	offset := 0
	for i, width := range groupWidths {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(padded[offset : offset+width])
		offset += width
	}
	return b.String(), nil
}

// ToThreadID is the inverse of FromThreadID. It rejects identifiers
// that are not exactly the canonical grouped form of a positive id.
func ToThreadID(conversationID string) (int64, error) {
	parts := strings.Split(conversationID, "-")
	if len(parts) != len(groupWidths) {
		return 0, ErrInvalidConversationID
	}

	var digits strings.Builder
	digits.Grow(digitCount)
	for i, part := range parts {
		if len(part) != groupWidths[i] {
			return 0, ErrInvalidConversationID
		}
		for j := 0; j < len(part); j++ {
			if part[j] < '0' || part[j] > '9' {
				return 0, ErrInvalidConversationID
			}
		}
		digits.WriteString(part)
	}

	id, err := strconv.ParseInt(strings.TrimLeft(digits.String(), "0"), 10, 64)
	if err != nil {
		// All zeros trims to the empty string; treat it like any other
		// non-positive id.
		return 0, ErrInvalidConversationID
	}
	return id, nil
}
