package domain

import "fmt"

// DirectiveKind tags the transition decision a handler returns.
type DirectiveKind string

const (
	DirectiveAdvance  DirectiveKind = "advance"
	DirectiveReject   DirectiveKind = "reject"
	DirectiveComplete DirectiveKind = "complete"
	DirectiveRetry    DirectiveKind = "retry"
)

// Directive is the tagged transition decision. Next is set only for advance,
// Reason only for retry. The store transaction dispatches on Kind.
type Directive struct {
	Kind   DirectiveKind
	Next   Stage
	Reason string
}

// Advance moves the item to the next stage at status pending.
func Advance(next Stage) Directive { return Directive{Kind: DirectiveAdvance, Next: next} }

// Reject terminates the item at (rejected, rejected).
func Reject() Directive { return Directive{Kind: DirectiveReject} }

// Complete terminates the item at (completed, completed).
func Complete() Directive { return Directive{Kind: DirectiveComplete} }

// Retry returns the item to pending at its current stage, incrementing
// its retry count.
func Retry(reason string) Directive { return Directive{Kind: DirectiveRetry, Reason: reason} }

// Validate rejects malformed directives before they reach the store.
func (d Directive) Validate() error {
	switch d.Kind {
	case DirectiveAdvance:
		if !ValidNextStage(d.Next) {
			return fmt.Errorf("%w: advance target %q", ErrInvalidDirective, d.Next)
		}
		return nil
	case DirectiveReject, DirectiveComplete:
		return nil
	case DirectiveRetry:
		if d.Reason == "" {
			return fmt.Errorf("%w: retry requires a reason", ErrInvalidDirective)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidDirective, d.Kind)
}

func (d Directive) String() string {
	switch d.Kind {
	case DirectiveAdvance:
		return fmt.Sprintf("advance(%s)", d.Next)
	case DirectiveRetry:
		return fmt.Sprintf("retry(%s)", d.Reason)
	default:
		return string(d.Kind)
	}
}
