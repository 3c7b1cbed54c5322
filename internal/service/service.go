package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/billoapp/tabz/internal/cache"
	"github.com/billoapp/tabz/internal/domain"
	"github.com/billoapp/tabz/internal/hours"
	"github.com/billoapp/tabz/internal/ledger"
	"github.com/billoapp/tabz/internal/notify"
	"github.com/billoapp/tabz/internal/store"
	"github.com/billoapp/tabz/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the tab lifecycle controller. It owns every state mutation;
// the hours and ledger packages it leans on are pure. The wall clock is
// injected so sweeps and overdue predicates are deterministic under test.
type Service struct {
	repo          store.Repository
	venues        cache.VenueCache
	notifier      notify.Notifier
	venueCacheTTL time.Duration
	now           func() time.Time
}

func New(repo store.Repository, venues cache.VenueCache, notifier notify.Notifier, venueCacheTTL time.Duration) *Service {
	if venues == nil {
		venues = cache.NoopVenueCache{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if venueCacheTTL <= 0 {
		venueCacheTTL = time.Minute
	}

	return &Service{
		repo:          repo,
		venues:        venues,
		notifier:      notifier,
		venueCacheTTL: venueCacheTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateVenue(ctx context.Context, req domain.VenueCreateRequest) (domain.Venue, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "manager" {
		return domain.Venue{}, fmt.Errorf("manager role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Timezone = strings.TrimSpace(req.Timezone)
	if req.Name == "" || req.Timezone == "" {
		return domain.Venue{}, store.ErrInvalidInput
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return domain.Venue{}, fmt.Errorf("%w: unknown timezone %q", store.ErrInvalidInput, req.Timezone)
	}
	if err := hours.Validate(req.Hours); err != nil {
		return domain.Venue{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	venue := domain.Venue{
		ID:        xid.New("venue"),
		Name:      req.Name,
		Timezone:  req.Timezone,
		Hours:     req.Hours,
		CreatedAt: s.now(),
	}
	created, err := s.repo.CreateVenue(ctx, venue)
	if err != nil {
		return domain.Venue{}, err
	}
	return *created, nil
}

func (s *Service) UpdateVenueHours(ctx context.Context, venueID string, req domain.VenueHoursUpdateRequest) (domain.Venue, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "manager" {
		return domain.Venue{}, fmt.Errorf("manager role required")
	}
	if err := hours.Validate(req.Hours); err != nil {
		return domain.Venue{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	updated, err := s.repo.UpdateVenueHours(ctx, venueID, req.Hours)
	if err != nil {
		return domain.Venue{}, err
	}
	if err := s.venues.Invalidate(ctx, venueID); err != nil {
		log.Printf("[service] WARN: failed to invalidate venue cache %s: %v", venueID, err)
	}
	return *updated, nil
}

func (s *Service) ListVenues(ctx context.Context) ([]domain.Venue, error) {
	return s.repo.ListVenues(ctx)
}

// GetVenue reads through the advisory venue cache; the store stays
// authoritative and cache failures are logged, never surfaced.
func (s *Service) GetVenue(ctx context.Context, venueID string) (domain.Venue, error) {
	if cached, ok, err := s.venues.Get(ctx, venueID); err != nil {
		log.Printf("[service] WARN: venue cache read %s: %v", venueID, err)
	} else if ok {
		return *cached, nil
	}

	venue, err := s.repo.GetVenue(ctx, venueID)
	if err != nil {
		return domain.Venue{}, err
	}
	if err := s.venues.Set(ctx, venue, s.venueCacheTTL); err != nil {
		log.Printf("[service] WARN: venue cache write %s: %v", venueID, err)
	}
	return *venue, nil
}

// OpenTab creates a tab for the (venue, device) pair or returns the one
// already open. A lost creation race resolves to the pre-existing tab, not
// an error.
func (s *Service) OpenTab(ctx context.Context, req domain.TabOpenRequest) (domain.TabOpenResponse, error) {
	req.VenueID = strings.TrimSpace(req.VenueID)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.VenueID == "" || req.DeviceID == "" {
		return domain.TabOpenResponse{}, store.ErrInvalidInput
	}
	if _, err := s.GetVenue(ctx, req.VenueID); err != nil {
		return domain.TabOpenResponse{}, err
	}

	tab, created, err := s.repo.OpenTab(ctx, domain.Tab{
		ID:       xid.New("tab"),
		VenueID:  req.VenueID,
		DeviceID: req.DeviceID,
		Status:   domain.TabStatusOpen,
		OpenedAt: s.now(),
	})
	if err != nil {
		return domain.TabOpenResponse{}, err
	}

	return domain.TabOpenResponse{Tab: *tab, IsNewlyCreated: created}, nil
}

func (s *Service) GetTab(ctx context.Context, tabID string) (domain.TabResponse, error) {
	tab, err := s.repo.GetTab(ctx, tabID)
	if err != nil {
		return domain.TabResponse{}, err
	}
	balance, err := s.repo.TabBalance(ctx, tabID)
	if err != nil {
		return domain.TabResponse{}, err
	}
	return domain.TabResponse{Tab: *tab, BalanceCents: balance}, nil
}

// PlaceOrder appends an order to an open tab. Overdue tabs are frozen for
// new orders until staff resolve them. When the request carries a
// confirmation timestamp the order is persisted already confirmed.
func (s *Service) PlaceOrder(ctx context.Context, req domain.OrderPlaceRequest) (domain.OrderResponse, error) {
	if req.TabID == "" || req.TotalCents < 1 {
		return domain.OrderResponse{}, store.ErrInvalidInput
	}
	for _, item := range req.Items {
		if item.Qty < 1 || item.UnitPriceCents < 0 || strings.TrimSpace(item.Name) == "" {
			return domain.OrderResponse{}, store.ErrInvalidInput
		}
	}

	tab, err := s.repo.GetTab(ctx, req.TabID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if !ledger.CanAcceptNewOrders(*tab) {
		return domain.OrderResponse{}, fmt.Errorf("%w: tab is %s and not accepting orders", store.ErrConflict, tab.Status)
	}

	order := domain.Order{
		ID:         xid.New("order"),
		TabID:      req.TabID,
		Status:     domain.OrderStatusPending,
		TotalCents: req.TotalCents,
		Items:      req.Items,
		CreatedAt:  s.now(),
	}
	if req.ConfirmedAt != nil {
		confirmedAt := req.ConfirmedAt.UTC()
		order.Status = domain.OrderStatusConfirmed
		order.ConfirmedAt = &confirmedAt
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	return domain.OrderResponse{Order: *created}, nil
}

func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	if orderID == "" {
		return domain.OrderResponse{}, store.ErrInvalidInput
	}
	order, err := s.repo.ConfirmOrder(ctx, orderID, s.now())
	if err != nil {
		return domain.OrderResponse{}, err
	}
	return domain.OrderResponse{Order: *order}, nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	if orderID == "" {
		return domain.OrderResponse{}, store.ErrInvalidInput
	}
	order, err := s.repo.CancelOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	return domain.OrderResponse{Order: *order}, nil
}

// RecordPayment appends a settlement entry. Only success payments reduce the
// balance; pending/failed attempts are kept for audit. Reversals arrive as
// new negative-amount entries, never as mutations, so any nonzero amount is
// accepted. Closed tabs take no further entries.
func (s *Service) RecordPayment(ctx context.Context, req domain.PaymentRecordRequest) (domain.PaymentResponse, error) {
	if req.TabID == "" || req.AmountCents == 0 {
		return domain.PaymentResponse{}, store.ErrInvalidInput
	}
	if req.Status == "" {
		req.Status = domain.PaymentStatusSuccess
	}
	switch req.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusSuccess, domain.PaymentStatusFailed:
	default:
		return domain.PaymentResponse{}, fmt.Errorf("%w: unknown payment status %q", store.ErrInvalidInput, req.Status)
	}
	if strings.TrimSpace(req.Method) == "" {
		req.Method = "unspecified"
	}

	tab, err := s.repo.GetTab(ctx, req.TabID)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	if tab.Status == domain.TabStatusClosed {
		return domain.PaymentResponse{}, fmt.Errorf("%w: tab is closed", store.ErrConflict)
	}

	createdAt := s.now()
	if req.SettledAt != nil {
		createdAt = req.SettledAt.UTC()
	}
	payment, err := s.repo.CreatePayment(ctx, domain.Payment{
		ID:          xid.New("pay"),
		TabID:       req.TabID,
		Status:      req.Status,
		AmountCents: req.AmountCents,
		Method:      req.Method,
		Reference:   strings.TrimSpace(req.Reference),
		CreatedAt:   createdAt,
	})
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	balance, err := s.repo.TabBalance(ctx, req.TabID)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	return domain.PaymentResponse{Payment: *payment, BalanceCents: balance}, nil
}

func (s *Service) ListOverdueTabs(ctx context.Context, venueID string) ([]domain.TabWithBalance, error) {
	if venueID != "" {
		if _, err := s.GetVenue(ctx, venueID); err != nil {
			return nil, err
		}
	}

	tabs, err := s.repo.ListTabsByStatus(ctx, venueID, []string{domain.TabStatusOverdue})
	if err != nil {
		return nil, err
	}

	result := make([]domain.TabWithBalance, 0, len(tabs))
	for _, tab := range tabs {
		balance, err := s.repo.TabBalance(ctx, tab.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, domain.TabWithBalance{Tab: tab, BalanceCents: balance})
	}
	return result, nil
}

// CloseTab is the staff resolution path. A settle close succeeds only when
// the ledger is clear; a write-off closes regardless of balance and records
// the forgiven reason. Overdue tabs leave overdue only through here or
// through a zero-balance sweep.
func (s *Service) CloseTab(ctx context.Context, tabID string, req domain.TabCloseRequest) (domain.TabCloseResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.TabCloseResponse{}, fmt.Errorf("staff actor required")
	}
	if tabID == "" {
		return domain.TabCloseResponse{}, store.ErrInvalidInput
	}

	before, err := s.repo.GetTab(ctx, tabID)
	if err != nil {
		return domain.TabCloseResponse{}, err
	}

	var closed *domain.Tab
	if req.WriteOff {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			return domain.TabCloseResponse{}, fmt.Errorf("%w: write-off requires a reason", store.ErrInvalidInput)
		}
		closed, err = s.repo.CloseTabWrittenOff(ctx, tabID, reason, actor.Username, s.now())
	} else {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = domain.CloseReasonSettled
		}
		closed, err = s.repo.SettleTabIfClear(ctx, tabID, reason, actor.Username, s.now())
		if errors.Is(err, store.ErrConflict) {
			return domain.TabCloseResponse{}, fmt.Errorf("%w: tab has outstanding balance or pending orders", store.ErrConflict)
		}
	}
	if err != nil {
		return domain.TabCloseResponse{}, err
	}

	balance, err := s.repo.TabBalance(ctx, tabID)
	if err != nil {
		balance = 0
	}
	s.emit(ctx, *closed, before.Status, balance, closed.CloseReason)

	return domain.TabCloseResponse{Tab: *closed, BalanceCents: balance}, nil
}

// Sweep re-evaluates every open and overdue tab, applying at most one
// transition per tab: zero-balance tabs close (overdue ones included — a
// late payment makes an overdue tab eligible again), open tabs past their
// business day end with debt go overdue. Idempotent and safe to re-run; the
// store transitions recheck everything under the tab's row lock, so a
// payment settling mid-sweep cannot cause a wrong close.
func (s *Service) Sweep(ctx context.Context, venueID string) (domain.SweepResult, error) {
	tabs, err := s.repo.ListTabsByStatus(ctx, venueID, []string{domain.TabStatusOpen, domain.TabStatusOverdue})
	if err != nil {
		return domain.SweepResult{}, err
	}

	result := domain.SweepResult{}
	now := s.now()
	for _, tab := range tabs {
		result.Checked++

		balance, err := s.repo.TabBalance(ctx, tab.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				result.Skipped++
				log.Printf("[sweep] WARN: tab %s vanished mid-sweep, skipping", tab.ID)
				continue
			}
			return result, err
		}

		if !ledger.Outstanding(balance) {
			closed, err := s.repo.SettleTabIfClear(ctx, tab.ID, domain.CloseReasonZeroBalance, "system", now)
			switch {
			case err == nil:
				result.Closed++
				s.emit(ctx, *closed, tab.Status, balance, domain.CloseReasonZeroBalance)
			case errors.Is(err, store.ErrConflict):
				// Pending orders outstanding, or the ledger moved under us.
			case errors.Is(err, store.ErrNotFound):
				result.Skipped++
			default:
				return result, err
			}
			continue
		}

		if tab.Status != domain.TabStatusOpen {
			continue
		}

		dayEnd := s.businessDayEnd(ctx, tab)
		if dayEnd == nil || !now.After(*dayEnd) {
			continue
		}

		overdue, err := s.repo.MarkTabOverdue(ctx, tab.ID, now)
		switch {
		case err == nil:
			result.MadeOverdue++
			s.emit(ctx, *overdue, tab.Status, balance, "balance outstanding past business day end")
		case errors.Is(err, store.ErrConflict):
			// Paid off between the balance read and the lock; next sweep closes it.
		case errors.Is(err, store.ErrNotFound):
			result.Skipped++
		default:
			return result, err
		}
	}

	return result, nil
}

// businessDayEnd resolves the overdue threshold for a tab, treating every
// resolution failure as "cannot determine" so the sweep keeps running.
func (s *Service) businessDayEnd(ctx context.Context, tab domain.Tab) *time.Time {
	venue, err := s.GetVenue(ctx, tab.VenueID)
	if err != nil {
		log.Printf("[sweep] WARN: venue %s for tab %s: %v", tab.VenueID, tab.ID, err)
		return nil
	}
	dayEnd, err := hours.BusinessDayEnd(venue, tab.OpenedAt)
	if err != nil {
		log.Printf("[sweep] WARN: business day end for tab %s: %v", tab.ID, err)
		return nil
	}
	return dayEnd
}

func (s *Service) emit(ctx context.Context, tab domain.Tab, oldStatus string, balance int64, reason string) {
	change := domain.StateChange{
		TabID:        tab.ID,
		VenueID:      tab.VenueID,
		OldStatus:    oldStatus,
		NewStatus:    tab.Status,
		BalanceCents: balance,
		Reason:       reason,
		OccurredAt:   s.now(),
	}
	if err := s.notifier.TabStateChanged(ctx, change); err != nil {
		log.Printf("[service] WARN: failed to publish state change for tab %s: %v", tab.ID, err)
	}
}
