package subscriptions

import (
	"fmt"
	"time"

	"github.com/angelmondragon/recurpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

// Outcome is the result of one charge attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Snapshot is the subscription state a transition computes from. The
// billing calendar is anchored on NextPaymentDate: it always reflects
// the date the charge was due, regardless of when processing ran.
type Snapshot struct {
	Status           enums.SubscriptionStatus
	BillingPeriod    enums.BillingPeriod
	BillingFrequency int
	TotalCycles      int
	CyclesCompleted  int
	NextPaymentDate  time.Time
	RetryCount       int
}

// Policy bounds the failure handling of automatic transitions.
type Policy struct {
	// MaxRetries is how many failed attempts a cycle tolerates before the
	// subscription goes terminal.
	MaxRetries int
	// RetryOffsetDays pushes the next attempt this many days past the due
	// date. Zero retries on the next run with the date unchanged.
	RetryOffsetDays int
}

// Decision is the new subscription state produced by a transition.
type Decision struct {
	Status          enums.SubscriptionStatus
	NextPaymentDate time.Time
	RetryCount      int
	CyclesCompleted int
}

// Transition computes the next state for a charge attempt outcome. It is
// a pure function of its inputs: all date arithmetic starts from the
// prior scheduled date, never from the processing time, so a batch that
// runs late cannot drift the billing calendar.
func Transition(sub Snapshot, outcome Outcome, policy Policy) (Decision, error) {
	if sub.Status != enums.SubscriptionStatusScheduled {
		return Decision{}, pkgerrors.New(pkgerrors.CodeConflict,
			fmt.Sprintf("cannot transition subscription in status %q", sub.Status))
	}

	switch outcome {
	case OutcomeSuccess:
		completed := sub.CyclesCompleted + 1
		if sub.TotalCycles > 0 && completed >= sub.TotalCycles {
			return Decision{
				Status:          enums.SubscriptionStatusComplete,
				NextPaymentDate: sub.NextPaymentDate,
				RetryCount:      0,
				CyclesCompleted: completed,
			}, nil
		}
		next, err := advance(sub.NextPaymentDate, sub.BillingPeriod, sub.BillingFrequency)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Status:          enums.SubscriptionStatusScheduled,
			NextPaymentDate: next,
			RetryCount:      0,
			CyclesCompleted: completed,
		}, nil

	case OutcomeFailure:
		if sub.RetryCount >= policy.MaxRetries {
			return Decision{
				Status:          enums.SubscriptionStatusFailed,
				NextPaymentDate: sub.NextPaymentDate,
				RetryCount:      sub.RetryCount,
				CyclesCompleted: sub.CyclesCompleted,
			}, nil
		}
		return Decision{
			Status:          enums.SubscriptionStatusScheduled,
			NextPaymentDate: sub.NextPaymentDate.AddDate(0, 0, policy.RetryOffsetDays),
			RetryCount:      sub.RetryCount + 1,
			CyclesCompleted: sub.CyclesCompleted,
		}, nil

	default:
		return Decision{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown outcome %q", outcome))
	}
}

// Cancel moves any non-terminal subscription to cancelled.
func Cancel(sub Snapshot) (Decision, error) {
	if sub.Status.IsTerminal() {
		return Decision{}, pkgerrors.New(pkgerrors.CodeConflict,
			fmt.Sprintf("cannot cancel subscription in terminal status %q", sub.Status))
	}
	return Decision{
		Status:          enums.SubscriptionStatusCancelled,
		NextPaymentDate: sub.NextPaymentDate,
		RetryCount:      sub.RetryCount,
		CyclesCompleted: sub.CyclesCompleted,
	}, nil
}

// Pause suspends automatic charging. Only a scheduled subscription can
// pause; the due date is left in place for Resume to pick up.
func Pause(sub Snapshot) (Decision, error) {
	if sub.Status != enums.SubscriptionStatusScheduled {
		return Decision{}, pkgerrors.New(pkgerrors.CodeConflict,
			fmt.Sprintf("cannot pause subscription in status %q", sub.Status))
	}
	return Decision{
		Status:          enums.SubscriptionStatusPaused,
		NextPaymentDate: sub.NextPaymentDate,
		RetryCount:      sub.RetryCount,
		CyclesCompleted: sub.CyclesCompleted,
	}, nil
}

// Resume reverses Pause.
func Resume(sub Snapshot) (Decision, error) {
	if sub.Status != enums.SubscriptionStatusPaused {
		return Decision{}, pkgerrors.New(pkgerrors.CodeConflict,
			fmt.Sprintf("cannot resume subscription in status %q", sub.Status))
	}
	return Decision{
		Status:          enums.SubscriptionStatusScheduled,
		NextPaymentDate: sub.NextPaymentDate,
		RetryCount:      sub.RetryCount,
		CyclesCompleted: sub.CyclesCompleted,
	}, nil
}

// advance moves a due date forward by one billing cycle
// (period × frequency) from the prior scheduled date.
func advance(from time.Time, period enums.BillingPeriod, frequency int) (time.Time, error) {
	if frequency <= 0 {
		frequency = 1
	}
	switch period {
	case enums.BillingPeriodDay:
		return from.AddDate(0, 0, frequency), nil
	case enums.BillingPeriodWeek:
		return from.AddDate(0, 0, 7*frequency), nil
	case enums.BillingPeriodMonth:
		return from.AddDate(0, frequency, 0), nil
	case enums.BillingPeriodYear:
		return from.AddDate(frequency, 0, 0), nil
	default:
		return time.Time{}, pkgerrors.New(pkgerrors.CodeLocalData, fmt.Sprintf("unknown billing period %q", period))
	}
}
