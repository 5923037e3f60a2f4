package domain

// TransitionReason explains the outcome of a requested status change.
type TransitionReason string

const (
	TransitionApplied    TransitionReason = "applied"
	TransitionDowngraded TransitionReason = "downgraded"
	TransitionDuplicate  TransitionReason = "duplicate"
	TransitionSuppressed TransitionReason = "suppressed"
)

// TransitionSource says who asked for a status change.
type TransitionSource int

const (
	// SourceReceipt is a status reported by a provider.
	SourceReceipt TransitionSource = iota
	// SourcePipeline is an outcome decided by the pipeline itself, such as a
	// technical failure or a simulated research-mode delivery.
	SourcePipeline
)

// TransitionPolicy carries the store-wide rules applied to every transition.
type TransitionPolicy struct {
	// NoReceiptPrefixes lists country calling codes whose carriers do not
	// report delivery receipts.
	NoReceiptPrefixes map[string]struct{}
}

// NewTransitionPolicy builds a policy from a list of calling codes.
func NewTransitionPolicy(noReceiptPrefixes []string) TransitionPolicy {
	prefixes := make(map[string]struct{}, len(noReceiptPrefixes))
	for _, p := range noReceiptPrefixes {
		if p != "" {
			prefixes[p] = struct{}{}
		}
	}
	return TransitionPolicy{NoReceiptPrefixes: prefixes}
}

// ReceiptsSuppressed reports whether receipts for n carry no meaning.
func (p TransitionPolicy) ReceiptsSuppressed(n Notification) bool {
	if n.Type != TypeSMS || !n.International {
		return false
	}
	_, ok := p.NoReceiptPrefixes[n.PhonePrefix]
	return ok
}

// Resolve decides the status n should move to when source asks for
// requested. A reason other than applied or downgraded means the row must not
// change. Receipts for suppressed countries never change the row, whatever
// status they report.
func (p TransitionPolicy) Resolve(n Notification, requested Status, source TransitionSource) (Status, TransitionReason) {
	if !n.Status.IsOpen() {
		return n.Status, TransitionDuplicate
	}
	if source == SourceReceipt && p.ReceiptsSuppressed(n) {
		return n.Status, TransitionSuppressed
	}
	if n.Status == StatusPending && requested == StatusPermanentFailure {
		return StatusTemporaryFailure, TransitionDowngraded
	}
	return requested, TransitionApplied
}

// Changes reports whether the reason results in a write.
func (r TransitionReason) Changes() bool {
	return r == TransitionApplied || r == TransitionDowngraded
}
