package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/billoapp/tabz/internal/domain"
	"github.com/billoapp/tabz/internal/store"
	"github.com/billoapp/tabz/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateVenue(ctx context.Context, venue domain.Venue) (*domain.Venue, error) {
	if venue.Name == "" || venue.Timezone == "" {
		return nil, store.ErrInvalidInput
	}
	if venue.ID == "" {
		venue.ID = xid.New("venue")
	}
	if venue.CreatedAt.IsZero() {
		venue.CreatedAt = time.Now().UTC()
	}
	hoursJSON, err := json.Marshal(venue.Hours)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO venues (id, name, timezone, hours, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, venue.ID, venue.Name, venue.Timezone, hoursJSON, venue.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := venue
	return &created, nil
}

func (s *Store) GetVenue(ctx context.Context, venueID string) (*domain.Venue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, timezone, hours, created_at
		FROM venues
		WHERE id = $1
	`, venueID)
	return scanVenue(row)
}

func (s *Store) ListVenues(ctx context.Context) ([]domain.Venue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, timezone, hours, created_at
		FROM venues
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	venues := make([]domain.Venue, 0, 16)
	for rows.Next() {
		venue, err := scanVenue(rows)
		if err != nil {
			return nil, err
		}
		venues = append(venues, *venue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return venues, nil
}

func (s *Store) UpdateVenueHours(ctx context.Context, venueID string, hours domain.BusinessHours) (*domain.Venue, error) {
	hoursJSON, err := json.Marshal(hours)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE venues
		SET hours = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, name, timezone, hours, created_at
	`, venueID, hoursJSON)
	venue, err := scanVenue(row)
	if err != nil {
		return nil, err
	}
	return venue, nil
}

// OpenTab relies on the partial unique index
// tabs_one_open_per_device (venue_id, device_id) WHERE status = 'open':
// the insert and the duplicate check are a single atomic statement, so two
// concurrent scans of the same QR code cannot both create a tab. On conflict
// the existing open tab is fetched and returned. The fetch can briefly lose
// to a concurrent close, so the pair is retried a few times before giving up.
func (s *Store) OpenTab(ctx context.Context, tab domain.Tab) (*domain.Tab, bool, error) {
	if tab.VenueID == "" || tab.DeviceID == "" {
		return nil, false, store.ErrInvalidInput
	}
	if tab.ID == "" {
		tab.ID = xid.New("tab")
	}
	if tab.OpenedAt.IsZero() {
		tab.OpenedAt = time.Now().UTC()
	}

	for attempt := 0; attempt < 3; attempt++ {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO tabs (id, venue_id, device_id, status, opened_at)
			VALUES ($1,$2,$3,'open',$4)
			ON CONFLICT (venue_id, device_id) WHERE status = 'open' DO NOTHING
			RETURNING id, venue_id, device_id, status, opened_at, closed_at, closed_by, close_reason, write_off
		`, tab.ID, tab.VenueID, tab.DeviceID, tab.OpenedAt)
		created, err := scanTab(row)
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			if isForeignKeyViolation(err) {
				return nil, false, store.ErrNotFound
			}
			return nil, false, err
		}

		row = s.db.QueryRowContext(ctx, `
			SELECT id, venue_id, device_id, status, opened_at, closed_at, closed_by, close_reason, write_off
			FROM tabs
			WHERE venue_id = $1 AND device_id = $2 AND status = 'open'
		`, tab.VenueID, tab.DeviceID)
		existing, err := scanTab(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	return nil, false, store.ErrConflict
}

func (s *Store) GetTab(ctx context.Context, tabID string) (*domain.Tab, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, venue_id, device_id, status, opened_at, closed_at, closed_by, close_reason, write_off
		FROM tabs
		WHERE id = $1
	`, tabID)
	return scanTab(row)
}

func (s *Store) ListTabsByStatus(ctx context.Context, venueID string, statuses []string) ([]domain.Tab, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, venue_id, device_id, status, opened_at, closed_at, closed_by, close_reason, write_off
		FROM tabs
		WHERE ($1 = '' OR venue_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY opened_at, id
	`, venueID, statusArray(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tabs := make([]domain.Tab, 0, 32)
	for rows.Next() {
		tab, err := scanTab(rows)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, *tab)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tabs, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.TabID == "" || order.TotalCents < 0 {
		return nil, store.ErrInvalidInput
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
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, tab_id, status, total_cents, items, created_at, confirmed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, order.ID, order.TabID, order.Status, order.TotalCents, itemsJSON, order.CreatedAt, nullTime(order.ConfirmedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	created := order
	return &created, nil
}

// ConfirmOrder moves a pending order to confirmed. The status predicate in
// the UPDATE keeps confirmed orders immutable: a second confirm (or a
// confirm after cancel) matches no row.
func (s *Store) ConfirmOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = 'confirmed', confirmed_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING id, tab_id, status, total_cents, items, created_at, confirmed_at
	`, orderID, at.UTC())
	order, err := scanOrder(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Distinguish a missing order from a non-pending one.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT true FROM orders WHERE id = $1`, orderID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'
		RETURNING id, tab_id, status, total_cents, items, created_at, confirmed_at
	`, orderID)
	order, err := scanOrder(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT true FROM orders WHERE id = $1`, orderID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) ListOrdersByTab(ctx context.Context, tabID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tab_id, status, total_cents, items, created_at, confirmed_at
		FROM orders
		WHERE tab_id = $1
		ORDER BY created_at, id
	`, tabID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.TabID == "" || payment.AmountCents == 0 {
		return nil, store.ErrInvalidInput
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, tab_id, status, amount_cents, method, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, payment.TabID, payment.Status, payment.AmountCents, payment.Method, nullIfEmpty(payment.Reference), payment.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	created := payment
	return &created, nil
}

func (s *Store) ListPaymentsByTab(ctx context.Context, tabID string) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tab_id, status, amount_cents, method, COALESCE(reference, ''), created_at
		FROM payments
		WHERE tab_id = $1
		ORDER BY created_at, id
	`, tabID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 8)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.TabID, &p.Status, &p.AmountCents, &p.Method, &p.Reference, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

// TabBalance recomputes the outstanding balance from the ledger tables on
// every call. There is deliberately no stored balance column to drift.
func (s *Store) TabBalance(ctx context.Context, tabID string) (int64, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT true FROM tabs WHERE id = $1`, tabID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}

	var balance int64
	err := s.db.QueryRowContext(ctx, balanceQuery, tabID).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

const balanceQuery = `
	SELECT COALESCE((SELECT SUM(total_cents) FROM orders WHERE tab_id = $1 AND status = 'confirmed'), 0)
	     - COALESCE((SELECT SUM(amount_cents) FROM payments WHERE tab_id = $1 AND status = 'success'), 0)
`

func (s *Store) SettleTabIfClear(ctx context.Context, tabID string, reason string, closedBy string, at time.Time) (*domain.Tab, error) {
	return s.transition(ctx, tabID, func(tx *sql.Tx, tab *domain.Tab) error {
		if tab.Status != domain.TabStatusOpen && tab.Status != domain.TabStatusOverdue {
			return store.ErrConflict
		}

		var balance int64
		if err := tx.QueryRowContext(ctx, balanceQuery, tabID).Scan(&balance); err != nil {
			return err
		}
		if balance > 0 {
			return store.ErrConflict
		}

		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM orders WHERE tab_id = $1 AND status = 'pending'
		`, tabID).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return store.ErrConflict
		}

		closedAt := at.UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE tabs
			SET status = 'closed', closed_at = $2, closed_by = $3, close_reason = $4
			WHERE id = $1
		`, tabID, closedAt, closedBy, reason)
		if err != nil {
			return err
		}
		tab.Status = domain.TabStatusClosed
		tab.ClosedAt = &closedAt
		tab.ClosedBy = closedBy
		tab.CloseReason = reason
		return nil
	})
}

func (s *Store) MarkTabOverdue(ctx context.Context, tabID string, _ time.Time) (*domain.Tab, error) {
	return s.transition(ctx, tabID, func(tx *sql.Tx, tab *domain.Tab) error {
		if tab.Status != domain.TabStatusOpen {
			return store.ErrConflict
		}

		var balance int64
		if err := tx.QueryRowContext(ctx, balanceQuery, tabID).Scan(&balance); err != nil {
			return err
		}
		if balance <= 0 {
			return store.ErrConflict
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE tabs SET status = 'overdue' WHERE id = $1
		`, tabID)
		if err != nil {
			return err
		}
		tab.Status = domain.TabStatusOverdue
		return nil
	})
}

func (s *Store) CloseTabWrittenOff(ctx context.Context, tabID string, reason string, closedBy string, at time.Time) (*domain.Tab, error) {
	return s.transition(ctx, tabID, func(tx *sql.Tx, tab *domain.Tab) error {
		if tab.Status == domain.TabStatusClosed {
			return store.ErrConflict
		}

		closedAt := at.UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE tabs
			SET status = 'closed', closed_at = $2, closed_by = $3, close_reason = $4, write_off = true
			WHERE id = $1
		`, tabID, closedAt, closedBy, reason)
		if err != nil {
			return err
		}
		tab.Status = domain.TabStatusClosed
		tab.ClosedAt = &closedAt
		tab.ClosedBy = closedBy
		tab.CloseReason = reason
		tab.WriteOff = true
		return nil
	})
}

// transition wraps a conditional tab status change in a serializable
// transaction holding the tab's row lock, so a payment settling mid-sweep
// cannot race the recheck-and-update sequence.
func (s *Store) transition(ctx context.Context, tabID string, apply func(tx *sql.Tx, tab *domain.Tab) error) (*domain.Tab, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT id, venue_id, device_id, status, opened_at, closed_at, closed_by, close_reason, write_off
		FROM tabs
		WHERE id = $1
		FOR UPDATE
	`, tabID)
	tab, err := scanTab(row)
	if err != nil {
		return nil, err
	}

	if err := apply(pgTx, tab); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tab, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password = $2, updated_at = now() WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVenue(row rowScanner) (*domain.Venue, error) {
	var venue domain.Venue
	var hoursJSON []byte
	err := row.Scan(&venue.ID, &venue.Name, &venue.Timezone, &hoursJSON, &venue.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(hoursJSON, &venue.Hours); err != nil {
		return nil, err
	}
	venue.CreatedAt = venue.CreatedAt.UTC()
	return &venue, nil
}

func scanTab(row rowScanner) (*domain.Tab, error) {
	var tab domain.Tab
	var closedAt sql.NullTime
	var closedBy, closeReason sql.NullString
	err := row.Scan(&tab.ID, &tab.VenueID, &tab.DeviceID, &tab.Status, &tab.OpenedAt, &closedAt, &closedBy, &closeReason, &tab.WriteOff)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tab.OpenedAt = tab.OpenedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		tab.ClosedAt = &t
	}
	tab.ClosedBy = closedBy.String
	tab.CloseReason = closeReason.String
	return &tab, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var itemsJSON []byte
	var confirmedAt sql.NullTime
	err := row.Scan(&order.ID, &order.TabID, &order.Status, &order.TotalCents, &itemsJSON, &order.CreatedAt, &confirmedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
			return nil, err
		}
	}
	order.CreatedAt = order.CreatedAt.UTC()
	if confirmedAt.Valid {
		t := confirmedAt.Time.UTC()
		order.ConfirmedAt = &t
	}
	return &order, nil
}

func statusArray(statuses []string) any {
	if statuses == nil {
		return []string{}
	}
	return statuses
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
