package domain

import "testing"

func TestTransitionPolicyResolve(t *testing.T) {
	t.Parallel()

	policy := NewTransitionPolicy([]string{"95", ""})

	domestic := Notification{Type: TypeSMS, PhonePrefix: "44"}
	noReceipts := Notification{Type: TypeSMS, PhonePrefix: "95", International: true}
	email := Notification{Type: TypeEmail}

	tests := []struct {
		name       string
		n          Notification
		current    Status
		requested  Status
		source     TransitionSource
		wantStatus Status
		wantReason TransitionReason
	}{
		{name: "sending to delivered", n: domestic, current: StatusSending, requested: StatusDelivered, wantStatus: StatusDelivered, wantReason: TransitionApplied},
		{name: "pending permanent failure downgraded", n: domestic, current: StatusPending, requested: StatusPermanentFailure, wantStatus: StatusTemporaryFailure, wantReason: TransitionDowngraded},
		{name: "sending permanent failure kept", n: email, current: StatusSending, requested: StatusPermanentFailure, wantStatus: StatusPermanentFailure, wantReason: TransitionApplied},
		{name: "terminal is duplicate", n: domestic, current: StatusDelivered, requested: StatusTemporaryFailure, wantStatus: StatusDelivered, wantReason: TransitionDuplicate},
		{name: "technical failure is terminal", n: email, current: StatusTechnicalFailure, requested: StatusDelivered, wantStatus: StatusTechnicalFailure, wantReason: TransitionDuplicate},
		{name: "no receipt country suppressed", n: noReceipts, current: StatusSending, requested: StatusDelivered, wantStatus: StatusSending, wantReason: TransitionSuppressed},
		{name: "no receipt country suppresses any reported status", n: noReceipts, current: StatusPending, requested: StatusTechnicalFailure, wantStatus: StatusPending, wantReason: TransitionSuppressed},
		{name: "no receipt country suppresses reported failure", n: noReceipts, current: StatusSent, requested: StatusFailed, wantStatus: StatusSent, wantReason: TransitionSuppressed},
		{name: "pipeline technical failure still applies", n: noReceipts, current: StatusSending, requested: StatusTechnicalFailure, source: SourcePipeline, wantStatus: StatusTechnicalFailure, wantReason: TransitionApplied},
		{name: "pipeline research delivery still applies", n: noReceipts, current: StatusSending, requested: StatusDelivered, source: SourcePipeline, wantStatus: StatusDelivered, wantReason: TransitionApplied},
		{name: "domestic same prefix not suppressed", n: Notification{Type: TypeSMS, PhonePrefix: "95"}, current: StatusSending, requested: StatusDelivered, wantStatus: StatusDelivered, wantReason: TransitionApplied},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n := tt.n
			n.Status = tt.current
			gotStatus, gotReason := policy.Resolve(n, tt.requested, tt.source)
			if gotStatus != tt.wantStatus {
				t.Fatalf("status = %s, want %s", gotStatus, tt.wantStatus)
			}
			if gotReason != tt.wantReason {
				t.Fatalf("reason = %s, want %s", gotReason, tt.wantReason)
			}
			if gotReason.Changes() != (tt.wantReason == TransitionApplied || tt.wantReason == TransitionDowngraded) {
				t.Fatalf("Changes() mismatch for %s", gotReason)
			}
		})
	}
}

func TestJobMissingRows(t *testing.T) {
	t.Parallel()

	job := Job{NotificationCount: 5}
	got := job.MissingRows([]int{0, 2, 4, 7})
	want := []int{1, 3}
	if len(got) != len(want) {
		t.Fatalf("MissingRows() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MissingRows() = %v, want %v", got, want)
		}
	}

	if rows := (Job{NotificationCount: 3}).MissingRows(nil); len(rows) != 3 {
		t.Fatalf("MissingRows(nil) = %v, want 3 rows", rows)
	}
}
