package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreateSession(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if sess.ThreadID != "" || sess.ActiveTurnID != "" {
		t.Errorf("new session should be empty, got thread=%q turn=%q", sess.ThreadID, sess.ActiveTurnID)
	}

	if err := s.SetThreadID(ctx, "+15551234567", "thr_1"); err != nil {
		t.Fatalf("SetThreadID failed: %v", err)
	}
	if err := s.SetActiveTurnID(ctx, "+15551234567", "turn_1"); err != nil {
		t.Fatalf("SetActiveTurnID failed: %v", err)
	}
	if err := s.SetModel(ctx, "+15551234567", "gpt-5.3-codex"); err != nil {
		t.Fatalf("SetModel failed: %v", err)
	}

	sess, err = s.GetOrCreateSession(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if sess.ThreadID != "thr_1" || sess.ActiveTurnID != "turn_1" || sess.Model != "gpt-5.3-codex" {
		t.Errorf("unexpected session: %+v", sess)
	}

	if err := s.ClearActiveTurn(ctx, "+15551234567"); err != nil {
		t.Fatalf("ClearActiveTurn failed: %v", err)
	}
	sess, _ = s.GetOrCreateSession(ctx, "+15551234567")
	if sess.ActiveTurnID != "" {
		t.Errorf("active turn should be cleared, got %q", sess.ActiveTurnID)
	}

	if err := s.ResetSession(ctx, "+15551234567"); err != nil {
		t.Fatalf("ResetSession failed: %v", err)
	}
	sess, _ = s.GetOrCreateSession(ctx, "+15551234567")
	if sess.ThreadID != "" {
		t.Errorf("thread should be cleared, got %q", sess.ThreadID)
	}
	if sess.Model != "gpt-5.3-codex" {
		t.Errorf("model should survive reset, got %q", sess.Model)
	}
}

func TestMarkProcessedDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "msg_1")
	if err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if !first {
		t.Error("first MarkProcessed should report true")
	}

	second, err := s.MarkProcessed(ctx, "msg_1")
	if err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if second {
		t.Error("second MarkProcessed should report false")
	}

	any, err := s.HasAnyProcessed(ctx)
	if err != nil || !any {
		t.Errorf("HasAnyProcessed = %v, %v; want true, nil", any, err)
	}
}

func TestMarkManyProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkProcessed(ctx, "msg_1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	inserted, err := s.MarkManyProcessed(ctx, []string{"msg_1", "msg_2", "msg_3"})
	if err != nil {
		t.Fatalf("MarkManyProcessed failed: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}
}

func TestFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetBoolFlag(ctx, FlagPaused, true); err != nil {
		t.Fatalf("SetBoolFlag failed: %v", err)
	}
	paused, err := s.GetBoolFlag(ctx, FlagPaused, false)
	if err != nil || !paused {
		t.Errorf("GetBoolFlag = %v, %v; want true, nil", paused, err)
	}

	// Unset key falls back to the default
	auto, err := s.GetBoolFlag(ctx, FlagAutoApprove, true)
	if err != nil || !auto {
		t.Errorf("GetBoolFlag default = %v, %v; want true, nil", auto, err)
	}

	efforts := map[string]string{"gpt-5.3-codex": "high"}
	if err := s.SetJSONFlag(ctx, FlagReasoningEffortByModel, efforts); err != nil {
		t.Fatalf("SetJSONFlag failed: %v", err)
	}
	var out map[string]string
	ok, err := s.GetJSONFlag(ctx, FlagReasoningEffortByModel, &out)
	if err != nil || !ok {
		t.Fatalf("GetJSONFlag = %v, %v", ok, err)
	}
	if out["gpt-5.3-codex"] != "high" {
		t.Errorf("effort map = %v", out)
	}
}

func TestConsumeFlagIsOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetFlag(ctx, FlagPendingRestartNotice, `{"target":"bridge"}`); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}

	value, ok, err := s.ConsumeFlag(ctx, FlagPendingRestartNotice)
	if err != nil || !ok {
		t.Fatalf("ConsumeFlag = %q, %v, %v", value, ok, err)
	}
	if value != `{"target":"bridge"}` {
		t.Errorf("value = %q", value)
	}

	_, ok, err = s.ConsumeFlag(ctx, FlagPendingRestartNotice)
	if err != nil {
		t.Fatalf("second ConsumeFlag failed: %v", err)
	}
	if ok {
		t.Error("flag should be consumed exactly once")
	}
}

func TestLastTurnTimelineOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	phone := "+15551234567"

	append := func(kind, turnID, summary string) {
		t.Helper()
		err := s.AppendAudit(ctx, &AuditEvent{
			PhoneNumber: phone, ThreadID: "thr_1", TurnID: turnID,
			Kind: kind, Summary: summary,
		})
		if err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	append(AuditTurnStarted, "turn_1", "old turn")
	append(AuditTurnCompleted, "turn_1", "old turn done")
	append(AuditTurnStarted, "turn_2", "started")
	append(AuditAssistantDelta, "turn_2", "hello")
	append(AuditTurnCompleted, "turn_2", "completed")
	append(AuditSystem, "", "not part of a turn")

	timeline, err := s.LastTurnTimeline(ctx, phone, 50)
	if err != nil {
		t.Fatalf("LastTurnTimeline failed: %v", err)
	}
	if len(timeline) != 3 {
		t.Fatalf("timeline length = %d, want 3", len(timeline))
	}
	wantKinds := []string{AuditTurnStarted, AuditAssistantDelta, AuditTurnCompleted}
	for i, ev := range timeline {
		if ev.TurnID != "turn_2" {
			t.Errorf("event %d turn = %q, want turn_2", i, ev.TurnID)
		}
		if ev.Kind != wantKinds[i] {
			t.Errorf("event %d kind = %q, want %q", i, ev.Kind, wantKinds[i])
		}
	}
}

func TestInsertNotificationDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, dup, err := s.InsertNotification(ctx, &Notification{
		Source:    SourceWebhook,
		DedupeKey: "event:webhook:-:evt_1",
		Summary:   "build failed",
	})
	if err != nil {
		t.Fatalf("InsertNotification failed: %v", err)
	}
	if dup {
		t.Error("first insert should not be a duplicate")
	}

	id2, dup2, err := s.InsertNotification(ctx, &Notification{
		Source:    SourceWebhook,
		DedupeKey: "event:webhook:-:evt_1",
		Summary:   "build failed",
	})
	if err != nil {
		t.Fatalf("second InsertNotification failed: %v", err)
	}
	if !dup2 {
		t.Error("second insert should be a duplicate")
	}
	if id2 != id {
		t.Errorf("duplicate should return the existing id %q, got %q", id, id2)
	}

	n, err := s.GetNotification(ctx, id)
	if err != nil {
		t.Fatalf("GetNotification failed: %v", err)
	}
	if n.DuplicateCount != 1 {
		t.Errorf("duplicate count = %d, want 1", n.DuplicateCount)
	}
}

func TestClaimNextQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatalf("ClaimNextQueued failed: %v", err)
	}
	if n != nil {
		t.Fatalf("expected nil on empty queue, got %+v", n)
	}

	older := &Notification{Source: SourceWebhook, DedupeKey: "k1", Summary: "older", ReceivedAtMs: 1000}
	newer := &Notification{Source: SourceCron, DedupeKey: "k2", Summary: "newer", ReceivedAtMs: 2000}
	if _, _, err := s.InsertNotification(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.InsertNotification(ctx, older); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatalf("ClaimNextQueued failed: %v", err)
	}
	if claimed == nil || claimed.Summary != "older" {
		t.Fatalf("expected oldest notification first, got %+v", claimed)
	}
	if claimed.Status != NotificationProcessing {
		t.Errorf("claimed status = %q, want processing", claimed.Status)
	}

	// The claimed row must not be claimable again
	second, err := s.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.Summary != "newer" {
		t.Fatalf("expected the remaining notification, got %+v", second)
	}
}

func TestRecordDecisionAndFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.InsertNotification(ctx, &Notification{
		Source: SourceWebhook, DedupeKey: "k1", Summary: "s",
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.RecordDecision(ctx, id, NotificationSuppressed, "suppress", "deploy_noise", "", `{"delivery":"suppress"}`)
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	n, _ := s.GetNotification(ctx, id)
	if n.Status != NotificationSuppressed || n.ReasonCode != "deploy_noise" {
		t.Errorf("unexpected notification: %+v", n)
	}
	if n.ProcessedAtMs == 0 {
		t.Error("processed timestamp should be set")
	}

	if err := s.RecordFailure(ctx, id, "boom"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	n, _ = s.GetNotification(ctx, id)
	if n.Status != NotificationFailed || n.ErrorText != "boom" {
		t.Errorf("unexpected notification after failure: %+v", n)
	}

	if err := s.RecordDecision(ctx, "missing", NotificationSent, "send", "", "", ""); err == nil {
		t.Error("RecordDecision on a missing id should fail")
	}
}

func TestListAndSearchNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, src := range []string{SourceWebhook, SourceCron, SourceWebhook} {
		_, _, err := s.InsertNotification(ctx, &Notification{
			Source:       src,
			DedupeKey:    "k" + string(rune('a'+i)),
			Summary:      "summary " + string(rune('a'+i)),
			ReceivedAtMs: int64(1000 * (i + 1)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListNotifications(ctx, 10, "all")
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list length = %d, want 3", len(all))
	}
	// Newest first
	if all[0].Summary != "summary c" {
		t.Errorf("first = %q, want newest", all[0].Summary)
	}

	webhooks, err := s.ListNotifications(ctx, 10, SourceWebhook)
	if err != nil {
		t.Fatal(err)
	}
	if len(webhooks) != 2 {
		t.Errorf("webhook list length = %d, want 2", len(webhooks))
	}

	found, err := s.SearchNotifications(ctx, "summary b", 10)
	if err != nil {
		t.Fatalf("SearchNotifications failed: %v", err)
	}
	if len(found) != 1 || found[0].Source != SourceCron {
		t.Errorf("search result = %+v", found)
	}
}

func TestPruneNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40).UnixMilli()
	if _, _, err := s.InsertNotification(ctx, &Notification{
		Source: SourceWebhook, DedupeKey: "old", Summary: "old", ReceivedAtMs: old,
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		_, _, err := s.InsertNotification(ctx, &Notification{
			Source:       SourceWebhook,
			DedupeKey:    "recent" + string(rune('0'+i)),
			Summary:      "recent",
			ReceivedAtMs: time.Now().UnixMilli() + int64(i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// Retention removes the old row, the cap trims down to two
	deleted, err := s.PruneNotifications(ctx, 30, 2)
	if err != nil {
		t.Fatalf("PruneNotifications failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	remaining, err := s.ListNotifications(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Errorf("remaining = %d, want 2", len(remaining))
	}
}
