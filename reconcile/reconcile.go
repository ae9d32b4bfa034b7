// Package reconcile recomputes the authoritative balances of a
// transaction from its event log. The computation is a full recompute
// over the complete event set, never an incremental update, so the
// result is independent of the order in which events were ingested.
package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledger-svc/models"
)

// Amounts holds the eight derived balances of a transaction.
type Amounts struct {
	Authorized decimal.Decimal
	Charged    decimal.Decimal
	Refunded   decimal.Decimal
	Canceled   decimal.Decimal

	AuthorizePending decimal.Decimal
	ChargePending    decimal.Decimal
	RefundPending    decimal.Decimal
	CancelPending    decimal.Decimal
}

// Recalculate derives all eight amounts from the given events. Events
// with include_in_calculations=false and informational events are
// ignored. Ties between events with identical business time are broken
// by psp_reference and type so that any insertion-order permutation of
// the same event set yields identical amounts.
func Recalculate(events []models.TransactionEvent) Amounts {
	included := make([]models.TransactionEvent, 0, len(events))
	for _, ev := range events {
		if !ev.IncludeInCalculations || ev.Type.Action() == models.ActionInfo {
			continue
		}
		included = append(included, ev)
	}

	sort.SliceStable(included, func(i, j int) bool {
		a, b := included[i], included[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.PSPReference != b.PSPReference {
			return a.PSPReference < b.PSPReference
		}
		return a.Type < b.Type
	})

	groups := map[models.EventAction][]models.TransactionEvent{}
	for _, ev := range included {
		action := ev.Type.Action()
		groups[action] = append(groups[action], ev)
	}

	var a Amounts
	a.applyAuthorizations(groups[models.ActionAuthorization])
	a.applyGroup(models.ActionCharge, groups[models.ActionCharge])
	a.applyGroup(models.ActionRefund, groups[models.ActionRefund])
	a.applyGroup(models.ActionCancel, groups[models.ActionCancel])

	// Authorized funds can be over-debited by concurrent charge/cancel
	// reports; the floor is zero.
	if a.Authorized.IsNegative() {
		a.Authorized = decimal.Zero
	}
	if a.AuthorizePending.IsNegative() {
		a.AuthorizePending = decimal.Zero
	}
	return a
}

// applyAuthorizations handles the authorization group. An ADJUSTMENT
// event overwrites the authorized amount unconditionally and discards
// every older authorization event; authorization events newer than the
// adjustment still apply on top of it.
func (a *Amounts) applyAuthorizations(events []models.TransactionEvent) {
	lastAdjustment := -1
	for i, ev := range events {
		if ev.Type == models.AuthorizationAdjustment {
			lastAdjustment = i
		}
	}

	if lastAdjustment >= 0 {
		a.Authorized = events[lastAdjustment].Amount
		events = events[lastAdjustment+1:]
	}

	remaining := make([]models.TransactionEvent, 0, len(events))
	for _, ev := range events {
		if ev.Type == models.AuthorizationAdjustment {
			continue
		}
		remaining = append(remaining, ev)
	}
	a.applyGroup(models.ActionAuthorization, remaining)
}

// applyGroup applies one action group's events. Events sharing a
// psp_reference form a bucket holding at most one request, success,
// failure and terminal reversal; events without a reference apply
// individually as direct deltas.
func (a *Amounts) applyGroup(action models.EventAction, events []models.TransactionEvent) {
	buckets := map[string][]models.TransactionEvent{}
	var refOrder []string
	var unreferenced []models.TransactionEvent

	for _, ev := range events {
		if ev.PSPReference == "" {
			unreferenced = append(unreferenced, ev)
			continue
		}
		if _, seen := buckets[ev.PSPReference]; !seen {
			refOrder = append(refOrder, ev.PSPReference)
		}
		buckets[ev.PSPReference] = append(buckets[ev.PSPReference], ev)
	}

	for _, ref := range refOrder {
		a.applyBucket(action, buckets[ref])
	}
	for _, ev := range unreferenced {
		switch {
		case ev.Type.IsRequest():
			a.addPending(action, ev.Amount)
		case ev.Type.IsSuccess():
			a.addSettled(action, ev.Amount)
		case ev.Type.IsReversal():
			a.applyReversal(ev.Type, ev.Amount)
		}
	}
}

func (a *Amounts) applyBucket(action models.EventAction, bucket []models.TransactionEvent) {
	var request, success, failure *models.TransactionEvent
	for i := range bucket {
		ev := &bucket[i]
		switch {
		case ev.Type.IsRequest():
			if request == nil {
				request = ev
			}
		case ev.Type.IsSuccess():
			if success == nil {
				success = ev
			}
		case ev.Type.IsFailure():
			// The latest failure is the one that can supersede a success.
			failure = ev
		}
	}

	switch {
	case success != nil:
		// A failure strictly later than the success supersedes it; an
		// earlier or simultaneous failure is the one being corrected.
		if failure == nil || !failure.CreatedAt.After(success.CreatedAt) {
			a.addSettled(action, success.Amount)
		}
	case failure == nil && request != nil:
		a.addPending(action, request.Amount)
	}

	for _, ev := range bucket {
		if ev.Type.IsReversal() {
			a.applyReversal(ev.Type, ev.Amount)
		}
	}
}

// addSettled credits the action's settled amount and debits the stage it
// draws from: charges and cancels consume authorized funds, refunds
// consume charged funds.
func (a *Amounts) addSettled(action models.EventAction, amt decimal.Decimal) {
	switch action {
	case models.ActionAuthorization:
		a.Authorized = a.Authorized.Add(amt)
	case models.ActionCharge:
		a.Charged = a.Charged.Add(amt)
		a.Authorized = a.Authorized.Sub(amt)
	case models.ActionRefund:
		a.Refunded = a.Refunded.Add(amt)
		a.Charged = a.Charged.Sub(amt)
	case models.ActionCancel:
		a.Canceled = a.Canceled.Add(amt)
		a.Authorized = a.Authorized.Sub(amt)
	}
}

// addPending credits the action's pending amount and debits the prior
// stage the same way a settlement would.
func (a *Amounts) addPending(action models.EventAction, amt decimal.Decimal) {
	switch action {
	case models.ActionAuthorization:
		a.AuthorizePending = a.AuthorizePending.Add(amt)
	case models.ActionCharge:
		a.ChargePending = a.ChargePending.Add(amt)
		a.Authorized = a.Authorized.Sub(amt)
	case models.ActionRefund:
		a.RefundPending = a.RefundPending.Add(amt)
		a.Charged = a.Charged.Sub(amt)
	case models.ActionCancel:
		a.CancelPending = a.CancelPending.Add(amt)
		a.Authorized = a.Authorized.Sub(amt)
	}
}

// applyReversal undoes a settled amount: a charge-back removes charged
// funds, a refund reversal moves refunded funds back to charged.
func (a *Amounts) applyReversal(t models.EventType, amt decimal.Decimal) {
	switch t {
	case models.ChargeBack:
		a.Charged = a.Charged.Sub(amt)
	case models.RefundReverse:
		a.Refunded = a.Refunded.Sub(amt)
		a.Charged = a.Charged.Add(amt)
	}
}
