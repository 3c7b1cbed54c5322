package store

import (
	"context"
	"errors"
	"time"

	"github.com/billoapp/tabz/internal/domain"
)

var (
	// ErrNotFound reports a missing venue, tab, order or payment.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a conditional transition whose preconditions no
	// longer hold (already closed, balance changed under the lock, ...).
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput reports malformed input rejected at the store boundary.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository is the single durable source of truth for the tab ledger.
// Balances are never stored: TabBalance and the conditional transitions
// recompute them from the order/payment tables on every call.
type Repository interface {
	CreateVenue(ctx context.Context, venue domain.Venue) (*domain.Venue, error)
	GetVenue(ctx context.Context, venueID string) (*domain.Venue, error)
	ListVenues(ctx context.Context) ([]domain.Venue, error)
	UpdateVenueHours(ctx context.Context, venueID string, hours domain.BusinessHours) (*domain.Venue, error)

	// OpenTab atomically creates the tab or returns the existing open tab
	// for the same (venue, device) pair. The bool reports whether a new tab
	// was created. Never a check-then-insert: implementations rely on a
	// uniqueness guarantee scoped to open tabs.
	OpenTab(ctx context.Context, tab domain.Tab) (*domain.Tab, bool, error)
	GetTab(ctx context.Context, tabID string) (*domain.Tab, error)
	ListTabsByStatus(ctx context.Context, venueID string, statuses []string) ([]domain.Tab, error)

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	ConfirmOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrdersByTab(ctx context.Context, tabID string) ([]domain.Order, error)

	CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	ListPaymentsByTab(ctx context.Context, tabID string) ([]domain.Payment, error)

	TabBalance(ctx context.Context, tabID string) (int64, error)

	// SettleTabIfClear closes the tab when, under the tab's row lock, the
	// balance is <= 0 and no pending orders remain. Open and overdue tabs
	// are both eligible. ErrConflict when the conditions do not hold.
	SettleTabIfClear(ctx context.Context, tabID string, reason string, closedBy string, at time.Time) (*domain.Tab, error)
	// MarkTabOverdue moves an open tab to overdue when, under the tab's row
	// lock, the balance is still > 0. ErrConflict otherwise.
	MarkTabOverdue(ctx context.Context, tabID string, at time.Time) (*domain.Tab, error)
	// CloseTabWrittenOff closes an open or overdue tab regardless of
	// balance, recording the write-off reason and acting staff member.
	CloseTabWrittenOff(ctx context.Context, tabID string, reason string, closedBy string, at time.Time) (*domain.Tab, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
