// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pushfeed/relay/internal/models"
)

func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(SQLConfig{Path: filepath.Join(t.TempDir(), "relay.duckdb")})
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreDirectThreadRoundTrip(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()

	th, err := s.GetOrCreateDirectThread(ctx, 7, 3)
	if err != nil {
		t.Fatalf("GetOrCreateDirectThread: %v", err)
	}

	// Same pair in either order resolves to the same thread.
	again, err := s.GetOrCreateDirectThread(ctx, 3, 7)
	if err != nil {
		t.Fatalf("reversed pair: %v", err)
	}
	if again.ID != th.ID {
		t.Fatalf("pair resolved to thread %d, want %d", again.ID, th.ID)
	}

	for _, uid := range []int64{3, 7} {
		member, err := s.IsParticipant(ctx, th.ID, uid)
		if err != nil || !member {
			t.Fatalf("IsParticipant(%d) = %v, %v", uid, member, err)
		}
	}
	if member, _ := s.IsParticipant(ctx, th.ID, 99); member {
		t.Fatal("non-member reported as participant")
	}

	participants, err := s.Participants(ctx, th.ID)
	if err != nil || len(participants) != 2 {
		t.Fatalf("Participants = %v, %v", participants, err)
	}

	if _, err := s.ThreadByID(ctx, th.ID); err != nil {
		t.Fatalf("ThreadByID: %v", err)
	}
	if _, err := s.ThreadByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing thread error = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreInsertMessageIdempotent(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()
	th, err := s.GetOrCreateDirectThread(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	params := InsertMessageParams{ThreadID: th.ID, SenderID: 1, Body: "hello", ClientMsgID: "tok-1"}
	first, created, err := s.InsertMessage(ctx, params)
	if err != nil || !created {
		t.Fatalf("first insert = created %v, err %v", created, err)
	}
	if first.ID == 0 || first.SequenceNumber != 1 || first.Kind != models.KindText {
		t.Fatalf("first message = %+v", first)
	}

	second, created, err := s.InsertMessage(ctx, params)
	if err != nil || created {
		t.Fatalf("duplicate insert = created %v, err %v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned id %d, want %d", second.ID, first.ID)
	}

	byToken, err := s.MessageByClientID(ctx, th.ID, "tok-1")
	if err != nil || byToken.ID != first.ID {
		t.Fatalf("MessageByClientID = %+v, %v", byToken, err)
	}

	// Side effects: recipient receipt at sent, thread summary advanced.
	status, err := s.UpsertReceipt(ctx, first.ID, 2, models.StatusSent)
	if err != nil || status != models.StatusSent {
		t.Fatalf("receipt = %v, %v", status, err)
	}
	updated, err := s.ThreadByID(ctx, th.ID)
	if err != nil || updated.LastMessageID == nil || *updated.LastMessageID != first.ID {
		t.Fatalf("thread summary = %+v, %v", updated, err)
	}
}

func TestSQLStoreAttachmentsRoundTrip(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()
	th, _ := s.GetOrCreateDirectThread(ctx, 1, 2)

	atts := []models.Attachment{{URL: "https://cdn.example/p.png", ContentType: "image/png"}}
	msg, created, err := s.InsertMessage(ctx, InsertMessageParams{
		ThreadID: th.ID, SenderID: 1, Attachments: atts, ClientMsgID: "img-1",
	})
	if err != nil || !created {
		t.Fatalf("insert = %v, %v", created, err)
	}
	if msg.Kind != models.KindImage || msg.Body != models.EmptyBodyPlaceholder {
		t.Fatalf("attachment-only message = %+v", msg)
	}

	// Round-trip through the replay path preserves the attachment.
	msgs, err := s.MessagesAfter(ctx, th.ID, 0, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("MessagesAfter = %v, %v", msgs, err)
	}
	if len(msgs[0].Attachments) != 1 || msgs[0].Attachments[0].URL != atts[0].URL {
		t.Fatalf("attachments round-trip = %+v", msgs[0].Attachments)
	}
}

func TestSQLStoreMessagesAfterWindows(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()
	th, _ := s.GetOrCreateDirectThread(ctx, 1, 2)

	var ids []int64
	for _, body := range []string{"a", "b", "c", "d"} {
		msg, _, err := s.InsertMessage(ctx, InsertMessageParams{ThreadID: th.ID, SenderID: 1, Body: body, ClientMsgID: body})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, msg.ID)
	}

	msgs, err := s.MessagesAfter(ctx, th.ID, ids[1], 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("window = %v, %v", msgs, err)
	}
	if msgs[0].ID != ids[2] || msgs[1].ID != ids[3] {
		t.Fatalf("window order = %d,%d", msgs[0].ID, msgs[1].ID)
	}

	// Limit applies, ascending order holds.
	msgs, _ = s.MessagesAfter(ctx, th.ID, 0, 2)
	if len(msgs) != 2 || msgs[0].ID != ids[0] {
		t.Fatalf("limited window = %+v", msgs)
	}

	// Repeating the same cursor yields the same page.
	again, _ := s.MessagesAfter(ctx, th.ID, ids[1], 10)
	if len(again) != 2 || again[0].ID != ids[2] {
		t.Fatalf("repeat cursor = %+v", again)
	}
}

func TestSQLStoreReceiptMonotonic(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()
	th, _ := s.GetOrCreateDirectThread(ctx, 1, 2)
	msg, _, _ := s.InsertMessage(ctx, InsertMessageParams{ThreadID: th.ID, SenderID: 1, Body: "m", ClientMsgID: "m"})

	steps := []struct {
		report models.DeliveryStatus
		want   models.DeliveryStatus
	}{
		{models.StatusDelivered, models.StatusDelivered},
		{models.StatusRead, models.StatusRead},
		{models.StatusDelivered, models.StatusRead},
		{models.StatusSent, models.StatusRead},
	}
	for _, step := range steps {
		got, err := s.UpsertReceipt(ctx, msg.ID, 2, step.report)
		if err != nil {
			t.Fatalf("UpsertReceipt(%s): %v", step.report, err)
		}
		if got != step.want {
			t.Fatalf("UpsertReceipt(%s) = %s, want %s", step.report, got, step.want)
		}
	}
}

func TestSQLStoreSetLastReadMonotonic(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()
	th, _ := s.GetOrCreateDirectThread(ctx, 1, 2)

	var last int64
	for _, body := range []string{"a", "b"} {
		msg, _, _ := s.InsertMessage(ctx, InsertMessageParams{ThreadID: th.ID, SenderID: 1, Body: body, ClientMsgID: body})
		last = msg.ID
	}

	if err := s.SetLastRead(ctx, th.ID, 2, last); err != nil {
		t.Fatalf("SetLastRead: %v", err)
	}
	// Regression attempt is silently ignored.
	if err := s.SetLastRead(ctx, th.ID, 2, last-1); err != nil {
		t.Fatalf("SetLastRead regression: %v", err)
	}
}

func TestSQLStoreBlocks(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()

	if err := s.SetBlock(ctx, 1, 2, true); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	// Blocking is checked in both directions.
	for _, pair := range [][2]int64{{1, 2}, {2, 1}} {
		blocked, err := s.IsBlocked(ctx, pair[0], pair[1])
		if err != nil || !blocked {
			t.Fatalf("IsBlocked(%v) = %v, %v", pair, blocked, err)
		}
	}
	// Re-blocking is idempotent.
	if err := s.SetBlock(ctx, 1, 2, true); err != nil {
		t.Fatalf("repeat SetBlock: %v", err)
	}

	if err := s.SetBlock(ctx, 1, 2, false); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if blocked, _ := s.IsBlocked(ctx, 1, 2); blocked {
		t.Fatal("block survived removal")
	}
}

func TestSQLStoreRejectsEmptyAndBadReply(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()
	th, _ := s.GetOrCreateDirectThread(ctx, 1, 2)

	_, _, err := s.InsertMessage(ctx, InsertMessageParams{ThreadID: th.ID, SenderID: 1, ClientMsgID: "empty"})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty insert error = %v", err)
	}

	missing := int64(12345)
	_, _, err = s.InsertMessage(ctx, InsertMessageParams{
		ThreadID: th.ID, SenderID: 1, Body: "re", ReplyToID: &missing, ClientMsgID: "re",
	})
	if !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("bad reply error = %v", err)
	}
}
