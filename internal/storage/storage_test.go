package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Felixdiamond/growth-hub/internal/model"
)

var ignoreVideoTS = cmpopts.IgnoreFields(model.Video{}, "CreatedAt", "NotifiedAt", "DispatchingAt", "PublishedAt")
var ignoreSubscriberTS = cmpopts.IgnoreFields(model.Subscriber{}, "CreatedAt", "UpdatedAt", "LastDonation")

// runStorageSuite exercises the behaviour every Storage implementation must share.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("videos", func(t *testing.T) { testVideos(t, newStore(t)) })
	t.Run("claim lease", func(t *testing.T) { testClaimLease(t, newStore(t)) })
	t.Run("subscribers", func(t *testing.T) { testSubscribers(t, newStore(t)) })
	t.Run("checkpoint", func(t *testing.T) { testCheckpoint(t, newStore(t)) })
	t.Run("audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("donations", func(t *testing.T) { testDonations(t, newStore(t)) })
}

func newVideo(id string, published time.Time) model.Video {
	return model.Video{
		VideoID:     id,
		Title:       "Video " + id,
		Link:        "https://www.youtube.com/watch?v=" + id,
		Description: "about " + id,
		Thumbnail:   model.ThumbnailURL(id),
		PublishedAt: published,
	}
}

func testVideos(t *testing.T, s Storage) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"ccc", "aaa", "bbb"} {
		v := newVideo(id, base.Add(time.Duration(i)*time.Hour))
		inserted, err := s.InsertVideo(ctx, &v)
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		if !inserted {
			t.Fatalf("insert %s: expected inserted", id)
		}
	}

	dup := newVideo("aaa", base)
	dup.Title = "changed"
	inserted, err := s.InsertVideo(ctx, &dup)
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if inserted {
		t.Error("duplicate insert should be ignored")
	}

	got, err := s.GetVideo(ctx, "aaa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := newVideo("aaa", base)
	if diff := cmp.Diff(want, *got, ignoreVideoTS); diff != "" {
		t.Errorf("GetVideo mismatch (-want +got):\n%s", diff)
	}
	if !got.PublishedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, base.Add(time.Hour))
	}

	if _, err := s.GetVideo(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVideo(missing) error = %v, want ErrNotFound", err)
	}

	pending, err := s.ListPendingVideos(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if diff := cmp.Diff([]string{"ccc", "aaa", "bbb"}, videoIDs(pending)); diff != "" {
		t.Errorf("pending order mismatch (-want +got):\n%s", diff)
	}

	res := model.DeliveryResult{SuccessCount: 118, ErrorCount: 2}
	at := base.Add(24 * time.Hour)
	applied, err := s.MarkVideoNotified(ctx, "aaa", res, at)
	if err != nil {
		t.Fatalf("mark notified: %v", err)
	}
	if !applied {
		t.Error("first MarkVideoNotified should apply")
	}

	applied, err = s.MarkVideoNotified(ctx, "aaa", model.DeliveryResult{SuccessCount: 1}, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("mark notified again: %v", err)
	}
	if applied {
		t.Error("second MarkVideoNotified should not apply")
	}

	got, err = s.GetVideo(ctx, "aaa")
	if err != nil {
		t.Fatalf("get after notify: %v", err)
	}
	if got.NotifiedAt == nil || !got.NotifiedAt.Equal(at) {
		t.Errorf("NotifiedAt = %v, want %v", got.NotifiedAt, at)
	}
	if diff := cmp.Diff([2]int{118, 2}, [2]int{got.SuccessCount, got.ErrorCount}); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}

	pending, err = s.ListPendingVideos(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if diff := cmp.Diff([]string{"ccc", "bbb"}, videoIDs(pending)); diff != "" {
		t.Errorf("pending after notify mismatch (-want +got):\n%s", diff)
	}
}

func testClaimLease(t *testing.T, s Storage) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lease := 30 * time.Minute

	v := newVideo("lease", now)
	if _, err := s.InsertVideo(ctx, &v); err != nil {
		t.Fatalf("insert: %v", err)
	}

	steps := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "first claim", at: now, want: true},
		{name: "held by live lease", at: now.Add(10 * time.Minute), want: false},
		{name: "lease expired", at: now.Add(31 * time.Minute), want: true},
	}
	for _, st := range steps {
		got, err := s.ClaimVideo(ctx, "lease", st.at, lease)
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got != st.want {
			t.Errorf("%s: ClaimVideo = %v, want %v", st.name, got, st.want)
		}
	}

	if err := s.ReleaseVideo(ctx, "lease"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := s.GetVideo(ctx, "lease")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DispatchingAt != nil {
		t.Errorf("DispatchingAt = %v after release, want nil", got.DispatchingAt)
	}

	if _, err := s.MarkVideoNotified(ctx, "lease", model.DeliveryResult{}, now); err != nil {
		t.Fatalf("mark notified: %v", err)
	}
	claimed, err := s.ClaimVideo(ctx, "lease", now.Add(time.Hour), lease)
	if err != nil {
		t.Fatalf("claim notified: %v", err)
	}
	if claimed {
		t.Error("a notified video must not be claimable")
	}
}

func testSubscribers(t *testing.T, s Storage) {
	ctx := context.Background()

	subs := []model.Subscriber{
		{Email: "a@example.com", Verified: true, VerificationToken: "tok-a"},
		{Email: "b@example.com", Verified: false, VerificationToken: "tok-b"},
		{Email: "c@example.com", Verified: true, VerificationToken: "tok-c"},
	}
	for i := range subs {
		if err := s.CreateSubscriber(ctx, &subs[i]); err != nil {
			t.Fatalf("create %s: %v", subs[i].Email, err)
		}
	}

	dup := model.Subscriber{Email: "a@example.com"}
	if err := s.CreateSubscriber(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate create error = %v, want ErrDuplicate", err)
	}

	got, err := s.GetSubscriberByToken(ctx, "tok-b")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if diff := cmp.Diff(subs[1], *got, ignoreSubscriberTS); diff != "" {
		t.Errorf("GetSubscriberByToken mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.GetSubscriberByToken(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty token error = %v, want ErrNotFound", err)
	}

	verified, err := s.ListVerifiedSubscribers(ctx)
	if err != nil {
		t.Fatalf("list verified: %v", err)
	}
	if diff := cmp.Diff([]string{"a@example.com", "c@example.com"}, emails(verified)); diff != "" {
		t.Errorf("verified mismatch (-want +got):\n%s", diff)
	}

	if err := s.VerifySubscriber(ctx, "b@example.com"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := s.UpdateVerificationToken(ctx, "b@example.com", "tok-b2"); err != nil {
		t.Fatalf("update token: %v", err)
	}
	got, err = s.GetSubscriberByEmail(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if !got.Verified || got.VerificationToken != "tok-b2" {
		t.Errorf("subscriber after verify = %+v", got)
	}

	first := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	if err := s.RecordDonation(ctx, "c@example.com", 500, "usd", first); err != nil {
		t.Fatalf("record donation: %v", err)
	}
	if err := s.RecordDonation(ctx, "c@example.com", 1250, "eur", at); err != nil {
		t.Fatalf("record donation: %v", err)
	}
	if err := s.SetActiveSubscription(ctx, "c@example.com", true); err != nil {
		t.Fatalf("set active: %v", err)
	}
	got, err = s.GetSubscriberByEmail(ctx, "c@example.com")
	if err != nil {
		t.Fatalf("get donor: %v", err)
	}
	want := model.Subscriber{
		Email:                 "c@example.com",
		Verified:              true,
		VerificationToken:     "tok-c",
		IsDonor:               true,
		TotalDonations:        2,
		TotalDonatedCents:     1750,
		LastDonationCents:     1250,
		LastDonationCurrency:  "eur",
		HasActiveSubscription: true,
	}
	if diff := cmp.Diff(want, *got, ignoreSubscriberTS); diff != "" {
		t.Errorf("donor mismatch (-want +got):\n%s", diff)
	}
	if got.LastDonation == nil || !got.LastDonation.Equal(at) {
		t.Errorf("LastDonation = %v, want %v", got.LastDonation, at)
	}

	if err := s.RecordDonation(ctx, "nobody@example.com", 100, "usd", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordDonation(unknown) error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteSubscriber(ctx, "a@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteSubscriber(ctx, "a@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSubscriberByEmail(ctx, "a@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted error = %v, want ErrNotFound", err)
	}
}

func testCheckpoint(t *testing.T, s Storage) {
	ctx := context.Background()

	if _, err := s.GetCheckpoint(ctx, model.CheckpointLastVideoCheck); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing checkpoint error = %v, want ErrNotFound", err)
	}

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	for _, ts := range []time.Time{first, second} {
		if err := s.SetCheckpoint(ctx, model.CheckpointLastVideoCheck, ts); err != nil {
			t.Fatalf("set checkpoint: %v", err)
		}
	}

	got, err := s.GetCheckpoint(ctx, model.CheckpointLastVideoCheck)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !got.Timestamp.Equal(second) {
		t.Errorf("checkpoint = %v, want %v", got.Timestamp, second)
	}
}

func testAudit(t *testing.T, s Storage) {
	ctx := context.Background()

	records := []model.FailedNotification{
		{VideoID: "abc", Failures: []model.FailedEmail{{Email: "x@example.com", Error: "HTTP 500"}}},
		{VideoID: "abc", Failures: []model.FailedEmail{
			{Email: "y@example.com", Error: "timeout"},
			{Email: "z@example.com", Error: "not sent: shutdown"},
		}},
		{VideoID: "def", Failures: []model.FailedEmail{{Email: "x@example.com", Error: "HTTP 422"}}},
	}
	for i := range records {
		if err := s.AppendFailedNotification(ctx, &records[i]); err != nil {
			t.Fatalf("append failed notification: %v", err)
		}
		if records[i].ID == 0 {
			t.Fatal("expected non-zero ID")
		}
	}

	got, err := s.ListFailedNotifications(ctx, "abc")
	if err != nil {
		t.Fatalf("list failed notifications: %v", err)
	}
	if diff := cmp.Diff(records[:2], got, cmpopts.IgnoreFields(model.FailedNotification{}, "CreatedAt")); diff != "" {
		t.Errorf("failed notifications mismatch (-want +got):\n%s", diff)
	}

	for _, stage := range []string{"fetch", "dispatch", "recover"} {
		e := model.PipelineError{RunID: "run-1", Stage: stage, Message: stage + " failed"}
		if err := s.AppendPipelineError(ctx, &e); err != nil {
			t.Fatalf("append pipeline error: %v", err)
		}
	}
	errs, err := s.ListPipelineErrors(ctx, 2)
	if err != nil {
		t.Fatalf("list pipeline errors: %v", err)
	}
	var stages []string
	for _, e := range errs {
		stages = append(stages, e.Stage)
	}
	if diff := cmp.Diff([]string{"recover", "dispatch"}, stages); diff != "" {
		t.Errorf("pipeline errors mismatch (-want +got):\n%s", diff)
	}
}

func testDonations(t *testing.T, s Storage) {
	ctx := context.Background()

	d := model.Donation{
		SessionID:   "cs_test_1",
		CustomerID:  "cus_1",
		Email:       "donor@example.com",
		AmountCents: 500,
		Currency:    "usd",
		Status:      "succeeded",
		Type:        model.DonationOneTime,
		Metadata:    map[string]string{"source": "blog"},
	}
	inserted, err := s.InsertDonation(ctx, &d)
	if err != nil {
		t.Fatalf("insert donation: %v", err)
	}
	if !inserted {
		t.Fatal("first donation insert should apply")
	}
	again := d
	inserted, err = s.InsertDonation(ctx, &again)
	if err != nil {
		t.Fatalf("insert donation again: %v", err)
	}
	if inserted {
		t.Error("repeated session should be ignored")
	}

	got, err := s.GetDonationBySession(ctx, "cs_test_1")
	if err != nil {
		t.Fatalf("get donation: %v", err)
	}
	if diff := cmp.Diff(d, *got, cmpopts.IgnoreFields(model.Donation{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("donation mismatch (-want +got):\n%s", diff)
	}

	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	sub := model.StripeSubscription{ID: "sub_1", CustomerID: "cus_1", Status: "active", CurrentPeriodEnd: end}
	if err := s.UpsertStripeSubscription(ctx, &sub); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	canceled := end.Add(-time.Hour)
	sub.Status = "canceled"
	sub.CanceledAt = &canceled
	if err := s.UpsertStripeSubscription(ctx, &sub); err != nil {
		t.Fatalf("upsert canceled subscription: %v", err)
	}
	gotSub, err := s.GetStripeSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if gotSub.Status != "canceled" || gotSub.CanceledAt == nil || !gotSub.CanceledAt.Equal(canceled) {
		t.Errorf("subscription = %+v, want canceled at %v", gotSub, canceled)
	}
	if !gotSub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd = %v, want %v", gotSub.CurrentPeriodEnd, end)
	}

	c := model.Charge{ID: "ch_1", CustomerID: "cus_1", Email: "donor@example.com", AmountCents: 500, Currency: "usd", Status: "succeeded"}
	for i, want := range []bool{true, false} {
		got, err := s.InsertCharge(ctx, &c)
		if err != nil {
			t.Fatalf("insert charge %d: %v", i, err)
		}
		if got != want {
			t.Errorf("InsertCharge #%d = %v, want %v", i, got, want)
		}
	}
}

func videoIDs(vs []model.Video) []string {
	var ids []string
	for _, v := range vs {
		ids = append(ids, v.VideoID)
	}
	return ids
}

func emails(subs []model.Subscriber) []string {
	var out []string
	for _, s := range subs {
		out = append(out, s.Email)
	}
	return out
}
