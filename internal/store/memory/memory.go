package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/billoapp/tabz/internal/domain"
	"github.com/billoapp/tabz/internal/ledger"
	"github.com/billoapp/tabz/internal/store"
	"github.com/billoapp/tabz/internal/xid"
)

// Store is a mutex-guarded in-memory Repository. It backs unit tests and
// DATABASE_URL-less dev mode. The single mutex gives every conditional
// transition the same serialization the postgres store gets from row locks.
type Store struct {
	mu              sync.RWMutex
	venuesByID      map[string]domain.Venue
	tabsByID        map[string]domain.Tab
	openTabByKey    map[string]string // venueID + "\x00" + deviceID -> tabID, open tabs only
	ordersByID      map[string]domain.Order
	ordersByTab     map[string][]string
	paymentsByTab   map[string][]domain.Payment
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		venuesByID:      make(map[string]domain.Venue),
		tabsByID:        make(map[string]domain.Tab),
		openTabByKey:    make(map[string]string),
		ordersByID:      make(map[string]domain.Order),
		ordersByTab:     make(map[string][]string),
		paymentsByTab:   make(map[string][]domain.Payment),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-loaded with a demo venue and staff accounts
// for dev/demo mode. Credentials come from SEED_MANAGER_PASSWORD and
// SEED_STAFF_PASSWORD; hardcoded dev defaults are used (with a warning) when
// unset. Production deployments run against PostgreSQL instead.
func NewSeeded() *Store {
	s := New()

	now := time.Now().UTC()
	s.venuesByID["venue-demo"] = domain.Venue{
		ID:       "venue-demo",
		Name:     "Demo Bar",
		Timezone: "Africa/Nairobi",
		Hours: domain.BusinessHours{
			Mode: domain.HoursSimple,
			Simple: &domain.DayWindow{
				Open:  domain.ClockTime{Hour: 9, Minute: 0},
				Close: domain.ClockTime{Hour: 23, Minute: 0},
			},
		},
		CreatedAt: now,
	}

	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_MANAGER_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"manager", managerPwd, "manager"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openKey(venueID, deviceID string) string {
	return venueID + "\x00" + deviceID
}

func (s *Store) CreateVenue(_ context.Context, venue domain.Venue) (*domain.Venue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if venue.Name == "" || venue.Timezone == "" {
		return nil, store.ErrInvalidInput
	}
	if venue.ID == "" {
		venue.ID = xid.New("venue")
	}
	if venue.CreatedAt.IsZero() {
		venue.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.venuesByID[venue.ID]; exists {
		return nil, store.ErrConflict
	}

	s.venuesByID[venue.ID] = venue
	created := venue
	return &created, nil
}

func (s *Store) GetVenue(_ context.Context, venueID string) (*domain.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venue, exists := s.venuesByID[venueID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyVenue := venue
	return &copyVenue, nil
}

func (s *Store) ListVenues(_ context.Context) ([]domain.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venues := make([]domain.Venue, 0, len(s.venuesByID))
	for _, v := range s.venuesByID {
		venues = append(venues, v)
	}
	slices.SortFunc(venues, func(a, b domain.Venue) int {
		return strings.Compare(a.ID, b.ID)
	})
	return venues, nil
}

func (s *Store) UpdateVenueHours(_ context.Context, venueID string, hours domain.BusinessHours) (*domain.Venue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	venue, exists := s.venuesByID[venueID]
	if !exists {
		return nil, store.ErrNotFound
	}
	venue.Hours = hours
	s.venuesByID[venueID] = venue
	updated := venue
	return &updated, nil
}

func (s *Store) OpenTab(_ context.Context, tab domain.Tab) (*domain.Tab, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tab.VenueID == "" || tab.DeviceID == "" {
		return nil, false, store.ErrInvalidInput
	}
	if _, exists := s.venuesByID[tab.VenueID]; !exists {
		return nil, false, store.ErrNotFound
	}

	key := openKey(tab.VenueID, tab.DeviceID)
	if existingID, ok := s.openTabByKey[key]; ok {
		existing := s.tabsByID[existingID]
		return &existing, false, nil
	}

	if tab.ID == "" {
		tab.ID = xid.New("tab")
	}
	if tab.OpenedAt.IsZero() {
		tab.OpenedAt = time.Now().UTC()
	}
	tab.Status = domain.TabStatusOpen

	s.tabsByID[tab.ID] = tab
	s.openTabByKey[key] = tab.ID
	created := tab
	return &created, true, nil
}

func (s *Store) GetTab(_ context.Context, tabID string) (*domain.Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tab, exists := s.tabsByID[tabID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyTab := tab
	return &copyTab, nil
}

func (s *Store) ListTabsByStatus(_ context.Context, venueID string, statuses []string) ([]domain.Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tabs := make([]domain.Tab, 0, 16)
	for _, tab := range s.tabsByID {
		if venueID != "" && tab.VenueID != venueID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, tab.Status) {
			continue
		}
		tabs = append(tabs, tab)
	}
	slices.SortFunc(tabs, func(a, b domain.Tab) int {
		if a.OpenedAt.Equal(b.OpenedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.OpenedAt.Before(b.OpenedAt) {
			return -1
		}
		return 1
	})
	return tabs, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.TabID == "" || order.TotalCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.tabsByID[order.TabID]; !exists {
		return nil, store.ErrNotFound
	}
	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	s.ordersByID[order.ID] = order
	s.ordersByTab[order.TabID] = append(s.ordersByTab[order.TabID], order.ID)
	created := order
	return &created, nil
}

func (s *Store) ConfirmOrder(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, store.ErrConflict
	}
	confirmedAt := at.UTC()
	order.Status = domain.OrderStatusConfirmed
	order.ConfirmedAt = &confirmedAt
	s.ordersByID[orderID] = order
	updated := order
	return &updated, nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, store.ErrConflict
	}
	order.Status = domain.OrderStatusCancelled
	s.ordersByID[orderID] = order
	updated := order
	return &updated, nil
}

func (s *Store) ListOrdersByTab(_ context.Context, tabID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordersByTabLocked(tabID), nil
}

func (s *Store) ordersByTabLocked(tabID string) []domain.Order {
	ids := s.ordersByTab[tabID]
	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, s.ordersByID[id])
	}
	return orders
}

func (s *Store) CreatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payment.TabID == "" || payment.AmountCents == 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.tabsByID[payment.TabID]; !exists {
		return nil, store.ErrNotFound
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	if payment.Status == "" {
		payment.Status = domain.PaymentStatusSuccess
	}

	s.paymentsByTab[payment.TabID] = append(s.paymentsByTab[payment.TabID], payment)
	created := payment
	return &created, nil
}

func (s *Store) ListPaymentsByTab(_ context.Context, tabID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := make([]domain.Payment, len(s.paymentsByTab[tabID]))
	copy(payments, s.paymentsByTab[tabID])
	return payments, nil
}

func (s *Store) TabBalance(_ context.Context, tabID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tabsByID[tabID]; !exists {
		return 0, store.ErrNotFound
	}
	return s.balanceLocked(tabID), nil
}

func (s *Store) balanceLocked(tabID string) int64 {
	return ledger.Balance(s.ordersByTabLocked(tabID), s.paymentsByTab[tabID])
}

func (s *Store) SettleTabIfClear(_ context.Context, tabID string, reason string, closedBy string, at time.Time) (*domain.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, exists := s.tabsByID[tabID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if tab.Status != domain.TabStatusOpen && tab.Status != domain.TabStatusOverdue {
		return nil, store.ErrConflict
	}
	if s.balanceLocked(tabID) > 0 {
		return nil, store.ErrConflict
	}
	if ledger.PendingOrders(s.ordersByTabLocked(tabID)) > 0 {
		return nil, store.ErrConflict
	}

	closedAt := at.UTC()
	s.releaseOpenKeyLocked(tab)
	tab.Status = domain.TabStatusClosed
	tab.ClosedAt = &closedAt
	tab.ClosedBy = closedBy
	tab.CloseReason = reason
	s.tabsByID[tabID] = tab
	updated := tab
	return &updated, nil
}

// releaseOpenKeyLocked drops the open-tab index entry for the tab's
// (venue, device) pair, but only if the entry still belongs to this tab. An
// overdue tab already gave up the key when it left open, and the device may
// have opened a newer tab under it since.
func (s *Store) releaseOpenKeyLocked(tab domain.Tab) {
	key := openKey(tab.VenueID, tab.DeviceID)
	if s.openTabByKey[key] == tab.ID {
		delete(s.openTabByKey, key)
	}
}

func (s *Store) MarkTabOverdue(_ context.Context, tabID string, _ time.Time) (*domain.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, exists := s.tabsByID[tabID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if tab.Status != domain.TabStatusOpen {
		return nil, store.ErrConflict
	}
	if s.balanceLocked(tabID) <= 0 {
		return nil, store.ErrConflict
	}

	s.releaseOpenKeyLocked(tab)
	tab.Status = domain.TabStatusOverdue
	s.tabsByID[tabID] = tab
	updated := tab
	return &updated, nil
}

func (s *Store) CloseTabWrittenOff(_ context.Context, tabID string, reason string, closedBy string, at time.Time) (*domain.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, exists := s.tabsByID[tabID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if tab.Status == domain.TabStatusClosed {
		return nil, store.ErrConflict
	}

	closedAt := at.UTC()
	s.releaseOpenKeyLocked(tab)
	tab.Status = domain.TabStatusClosed
	tab.ClosedAt = &closedAt
	tab.ClosedBy = closedBy
	tab.CloseReason = reason
	tab.WriteOff = true
	s.tabsByID[tabID] = tab
	updated := tab
	return &updated, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
