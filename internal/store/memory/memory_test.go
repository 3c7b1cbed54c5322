package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/billoapp/tabz/internal/domain"
	"github.com/billoapp/tabz/internal/store"
)

func newVenueStore(t *testing.T) (*Store, domain.Venue) {
	t.Helper()
	s := New()
	venue, err := s.CreateVenue(context.Background(), domain.Venue{
		Name:     "Corner Pub",
		Timezone: "Africa/Nairobi",
		Hours: domain.BusinessHours{
			Mode: domain.HoursSimple,
			Simple: &domain.DayWindow{
				Open:  domain.ClockTime{Hour: 9},
				Close: domain.ClockTime{Hour: 23},
			},
		},
	})
	if err != nil {
		t.Fatalf("create venue: %v", err)
	}
	return s, *venue
}

func openTab(t *testing.T, s *Store, venueID, deviceID string) domain.Tab {
	t.Helper()
	tab, created, err := s.OpenTab(context.Background(), domain.Tab{VenueID: venueID, DeviceID: deviceID})
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}
	if !created {
		t.Fatalf("expected a new tab for device %s", deviceID)
	}
	return *tab
}

func confirmedOrder(t *testing.T, s *Store, tabID string, cents int64) domain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := s.CreateOrder(ctx, domain.Order{TabID: tabID, TotalCents: cents})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	confirmed, err := s.ConfirmOrder(ctx, order.ID, time.Now())
	if err != nil {
		t.Fatalf("confirm order: %v", err)
	}
	return *confirmed
}

func TestOpenTabReturnsExistingOpenTab(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()

	first := openTab(t, s, venue.ID, "device-1")

	second, created, err := s.OpenTab(ctx, domain.Tab{VenueID: venue.ID, DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if created {
		t.Fatal("second open must not create a new tab")
	}
	if second.ID != first.ID {
		t.Fatalf("second open returned tab %s, want %s", second.ID, first.ID)
	}
}

func TestOpenTabConcurrentSameDeviceYieldsOneTab(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tab, _, err := s.OpenTab(ctx, domain.Tab{VenueID: venue.ID, DeviceID: "device-race"})
			if err != nil {
				t.Errorf("open tab: %v", err)
				return
			}
			ids[i] = tab.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got tab %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestOpenTabAfterCloseCreatesNewTab(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()

	first := openTab(t, s, venue.ID, "device-1")
	if _, err := s.SettleTabIfClear(ctx, first.ID, domain.CloseReasonSettled, "staff", time.Now()); err != nil {
		t.Fatalf("settle: %v", err)
	}

	second, created, err := s.OpenTab(ctx, domain.Tab{VenueID: venue.ID, DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !created || second.ID == first.ID {
		t.Fatalf("expected a fresh tab after close, got created=%v id=%s", created, second.ID)
	}
}

func TestSettlingOldOverdueTabKeepsNewTabUniquelyOpen(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()

	// The device's first tab goes overdue, freeing the (venue, device) slot.
	old := openTab(t, s, venue.ID, "device-1")
	confirmedOrder(t, s, old.ID, 4500)
	if _, err := s.MarkTabOverdue(ctx, old.ID, time.Now()); err != nil {
		t.Fatalf("mark overdue: %v", err)
	}

	// The device opens a fresh tab while the old one is still unresolved.
	fresh := openTab(t, s, venue.ID, "device-1")

	// Paying off and settling the old overdue tab must not disturb the fresh
	// tab's claim on the device.
	if _, err := s.CreatePayment(ctx, domain.Payment{TabID: old.ID, AmountCents: 4500, Status: domain.PaymentStatusSuccess}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, err := s.SettleTabIfClear(ctx, old.ID, domain.CloseReasonZeroBalance, "system", time.Now()); err != nil {
		t.Fatalf("settle old tab: %v", err)
	}

	again, created, err := s.OpenTab(ctx, domain.Tab{VenueID: venue.ID, DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if created || again.ID != fresh.ID {
		t.Fatalf("expected the existing open tab %s, got created=%v id=%s", fresh.ID, created, again.ID)
	}

	open, err := s.ListTabsByStatus(ctx, venue.ID, []string{domain.TabStatusOpen})
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != fresh.ID {
		t.Fatalf("open tabs = %+v, want only %s", open, fresh.ID)
	}
}

func TestWritingOffOldOverdueTabKeepsNewTabUniquelyOpen(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()

	old := openTab(t, s, venue.ID, "device-1")
	confirmedOrder(t, s, old.ID, 4500)
	if _, err := s.MarkTabOverdue(ctx, old.ID, time.Now()); err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	fresh := openTab(t, s, venue.ID, "device-1")

	if _, err := s.CloseTabWrittenOff(ctx, old.ID, "customer left", "manager", time.Now()); err != nil {
		t.Fatalf("write off old tab: %v", err)
	}

	again, created, err := s.OpenTab(ctx, domain.Tab{VenueID: venue.ID, DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if created || again.ID != fresh.ID {
		t.Fatalf("expected the existing open tab %s, got created=%v id=%s", fresh.ID, created, again.ID)
	}
}

func TestOpenTabUnknownVenue(t *testing.T) {
	s := New()
	_, _, err := s.OpenTab(context.Background(), domain.Tab{VenueID: "venue-missing", DeviceID: "d"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTabBalanceReflectsLedger(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()
	tab := openTab(t, s, venue.ID, "device-1")

	confirmedOrder(t, s, tab.ID, 2500)
	confirmedOrder(t, s, tab.ID, 2000)

	// A pending order must not count.
	if _, err := s.CreateOrder(ctx, domain.Order{TabID: tab.ID, TotalCents: 9900}); err != nil {
		t.Fatalf("pending order: %v", err)
	}
	// A failed payment must not count.
	if _, err := s.CreatePayment(ctx, domain.Payment{TabID: tab.ID, AmountCents: 4500, Status: domain.PaymentStatusFailed}); err != nil {
		t.Fatalf("failed payment: %v", err)
	}
	if _, err := s.CreatePayment(ctx, domain.Payment{TabID: tab.ID, AmountCents: 1500, Status: domain.PaymentStatusSuccess}); err != nil {
		t.Fatalf("success payment: %v", err)
	}

	balance, err := s.TabBalance(ctx, tab.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 3000 {
		t.Fatalf("balance = %d, want 3000", balance)
	}
}

func TestSettleTabIfClearRejectsOutstandingBalance(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()
	tab := openTab(t, s, venue.ID, "device-1")
	confirmedOrder(t, s, tab.ID, 1000)

	_, err := s.SettleTabIfClear(ctx, tab.ID, domain.CloseReasonSettled, "staff", time.Now())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for outstanding balance, got %v", err)
	}
}

func TestSettleTabIfClearRejectsPendingOrders(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()
	tab := openTab(t, s, venue.ID, "device-1")

	if _, err := s.CreateOrder(ctx, domain.Order{TabID: tab.ID, TotalCents: 800}); err != nil {
		t.Fatalf("pending order: %v", err)
	}

	_, err := s.SettleTabIfClear(ctx, tab.ID, domain.CloseReasonSettled, "staff", time.Now())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for pending orders, got %v", err)
	}
}

func TestSettleTabIfClearClosesOverdueTab(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()
	tab := openTab(t, s, venue.ID, "device-1")
	confirmedOrder(t, s, tab.ID, 4500)

	if _, err := s.MarkTabOverdue(ctx, tab.ID, time.Now()); err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	if _, err := s.CreatePayment(ctx, domain.Payment{TabID: tab.ID, AmountCents: 4500, Status: domain.PaymentStatusSuccess}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	closed, err := s.SettleTabIfClear(ctx, tab.ID, domain.CloseReasonZeroBalance, "system", time.Now())
	if err != nil {
		t.Fatalf("settle overdue: %v", err)
	}
	if closed.Status != domain.TabStatusClosed {
		t.Fatalf("status = %s, want closed", closed.Status)
	}
	if closed.ClosedAt == nil || closed.ClosedBy != "system" {
		t.Fatalf("close metadata not recorded: %+v", closed)
	}
}

func TestMarkTabOverdueRequiresOpenWithDebt(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()

	// Zero balance: refuse.
	clear := openTab(t, s, venue.ID, "device-clear")
	if _, err := s.MarkTabOverdue(ctx, clear.ID, time.Now()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for zero-balance tab, got %v", err)
	}

	// With debt: succeed, and a second attempt conflicts.
	indebted := openTab(t, s, venue.ID, "device-debt")
	confirmedOrder(t, s, indebted.ID, 1200)
	overdue, err := s.MarkTabOverdue(ctx, indebted.ID, time.Now())
	if err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	if overdue.Status != domain.TabStatusOverdue {
		t.Fatalf("status = %s, want overdue", overdue.Status)
	}
	if _, err := s.MarkTabOverdue(ctx, indebted.ID, time.Now()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on second mark, got %v", err)
	}
}

func TestCloseTabWrittenOffClosesWithDebt(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()
	tab := openTab(t, s, venue.ID, "device-1")
	confirmedOrder(t, s, tab.ID, 7700)

	closed, err := s.CloseTabWrittenOff(ctx, tab.ID, "customer left", "manager", time.Now())
	if err != nil {
		t.Fatalf("write off: %v", err)
	}
	if closed.Status != domain.TabStatusClosed || !closed.WriteOff {
		t.Fatalf("unexpected closed tab: %+v", closed)
	}
	if closed.CloseReason != "customer left" {
		t.Fatalf("close reason = %q", closed.CloseReason)
	}

	if _, err := s.CloseTabWrittenOff(ctx, tab.ID, "again", "manager", time.Now()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict closing a closed tab, got %v", err)
	}
}

func TestConfirmAndCancelOrderOnlyFromPending(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()
	tab := openTab(t, s, venue.ID, "device-1")

	order, err := s.CreateOrder(ctx, domain.Order{TabID: tab.ID, TotalCents: 500})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	confirmed, err := s.ConfirmOrder(ctx, order.ID, time.Now())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("unexpected confirmed order: %+v", confirmed)
	}

	if _, err := s.CancelOrder(ctx, order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict cancelling a confirmed order, got %v", err)
	}
	if _, err := s.ConfirmOrder(ctx, order.ID, time.Now()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict confirming twice, got %v", err)
	}
}

func TestListTabsByStatusFiltersVenueAndStatus(t *testing.T) {
	s, venue := newVenueStore(t)
	ctx := context.Background()

	other, err := s.CreateVenue(ctx, domain.Venue{Name: "Other", Timezone: "UTC", Hours: domain.BusinessHours{Mode: domain.HoursAlwaysOpen}})
	if err != nil {
		t.Fatalf("create other venue: %v", err)
	}

	a := openTab(t, s, venue.ID, "device-a")
	confirmedOrder(t, s, a.ID, 100)
	if _, err := s.MarkTabOverdue(ctx, a.ID, time.Now()); err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	openTab(t, s, venue.ID, "device-b")
	openTab(t, s, other.ID, "device-c")

	overdue, err := s.ListTabsByStatus(ctx, venue.ID, []string{domain.TabStatusOverdue})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != a.ID {
		t.Fatalf("overdue list = %+v, want just %s", overdue, a.ID)
	}

	all, err := s.ListTabsByStatus(ctx, "", []string{domain.TabStatusOpen, domain.TabStatusOverdue})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tabs across venues, got %d", len(all))
	}
}

func TestUserAccounts(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateUser(ctx, domain.UserAccount{Username: "Alice", Password: "hash", Role: "staff", Active: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, domain.UserAccount{Username: "alice", Password: "hash2"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}

	if err := s.UpdateUserPassword(ctx, "alice", "newhash"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Password != "newhash" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestNewSeededHasDemoVenueAndAccounts(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.GetVenue(ctx, "venue-demo"); err != nil {
		t.Fatalf("demo venue missing: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	roles := map[string]string{}
	for _, u := range users {
		roles[u.Username] = u.Role
	}
	if roles["manager"] != "manager" || roles["staff"] != "staff" {
		t.Fatalf("unexpected seeded roles: %v", roles)
	}
}
