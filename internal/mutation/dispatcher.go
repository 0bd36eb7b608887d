// Package mutation builds domain operations with derived fields on top of a
// store's primitive update.
package mutation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/remote"
	"github.com/estatedesk/estatesync/internal/resource"
)

// Field names written by the dispatcher.
const (
	FieldStatus        = "status"
	FieldPaidDate      = "paid_date"
	FieldCompletedDate = "completed_date"
)

// Updater applies a partial update by id. *resource.Store satisfies it.
type Updater[T any] interface {
	Update(ctx context.Context, id string, patch remote.Row) (T, error)
}

// Dispatcher composes bill and repair mutations. Errors from the underlying
// stores are returned unchanged.
type Dispatcher struct {
	bills   Updater[resource.Bill]
	repairs Updater[resource.Repair]
	now     func() time.Time
	logger  *logrus.Entry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the clock used to derive dates.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over the given stores. Either may be
// nil if the caller never uses the corresponding operations.
func NewDispatcher(bills Updater[resource.Bill], repairs Updater[resource.Repair], logger *logrus.Entry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bills:   bills,
		repairs: repairs,
		now:     time.Now,
		logger:  logger.WithField("component", "mutation_dispatcher"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Today returns the current UTC calendar date as YYYY-MM-DD.
func (d *Dispatcher) Today() string {
	return d.now().UTC().Format(remote.DateLayout)
}

// MarkBillPaid sets status "paid" and paid_date to today.
func (d *Dispatcher) MarkBillPaid(ctx context.Context, id string) (resource.Bill, error) {
	patch := remote.Row{
		FieldStatus:   resource.StatusPaid,
		FieldPaidDate: d.Today(),
	}
	d.logger.WithField("bill_id", id).Debug("marking bill paid")
	return d.bills.Update(ctx, id, patch)
}

// RepairPatch returns the update for a repair status change: completed_date
// is set to today only when status is "completed" and is never cleared.
func (d *Dispatcher) RepairPatch(status string) remote.Row {
	patch := remote.Row{FieldStatus: status}
	if status == resource.StatusCompleted {
		patch[FieldCompletedDate] = d.Today()
	}
	return patch
}

// SetRepairStatus transitions a repair to status.
func (d *Dispatcher) SetRepairStatus(ctx context.Context, id, status string) (resource.Repair, error) {
	d.logger.WithFields(logrus.Fields{"repair_id": id, "status": status}).Debug("setting repair status")
	return d.repairs.Update(ctx, id, d.RepairPatch(status))
}
