package domain

import "time"

type HoursMode string

const (
	HoursAlwaysOpen HoursMode = "always_open"
	HoursSimple     HoursMode = "simple"
	HoursAdvanced   HoursMode = "advanced"
)

// ClockTime is a venue-local wall-clock time of day.
type ClockTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (c ClockTime) MinuteOfDay() int {
	return c.Hour*60 + c.Minute
}

func (c ClockTime) Valid() bool {
	return c.Hour >= 0 && c.Hour <= 23 && c.Minute >= 0 && c.Minute <= 59
}

// DayWindow is one open/close interval. ClosesNextDay marks hours that wrap
// past midnight (e.g. 20:00-04:00); a close time earlier than the open time
// is treated the same way.
type DayWindow struct {
	Open          ClockTime `json:"open"`
	Close         ClockTime `json:"close"`
	ClosesNextDay bool      `json:"closes_next_day"`
}

func (w DayWindow) Overnight() bool {
	return w.ClosesNextDay || w.Close.MinuteOfDay() < w.Open.MinuteOfDay()
}

// BusinessHours is a tagged union: exactly one variant is active, selected by
// Mode. Simple is set only for HoursSimple; Weekdays only for HoursAdvanced.
// A weekday absent from Weekdays means the venue is closed that day.
type BusinessHours struct {
	Mode     HoursMode                  `json:"mode"`
	Simple   *DayWindow                 `json:"simple,omitempty"`
	Weekdays map[time.Weekday]DayWindow `json:"weekdays,omitempty"`
}

type Venue struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Timezone  string        `json:"timezone"`
	Hours     BusinessHours `json:"hours"`
	CreatedAt time.Time     `json:"created_at"`
}

type VenueCreateRequest struct {
	Name     string        `json:"name"`
	Timezone string        `json:"timezone"`
	Hours    BusinessHours `json:"hours"`
}

type VenueHoursUpdateRequest struct {
	Hours BusinessHours `json:"hours"`
}

type VenueResponse struct {
	Venue Venue `json:"venue"`
}

type Tab struct {
	ID          string     `json:"id"`
	VenueID     string     `json:"venue_id"`
	DeviceID    string     `json:"device_id"`
	Status      string     `json:"status"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ClosedBy    string     `json:"closed_by,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	WriteOff    bool       `json:"write_off,omitempty"`
}

type TabOpenRequest struct {
	VenueID  string `json:"venue_id"`
	DeviceID string `json:"device_id"`
}

type TabOpenResponse struct {
	Tab            Tab  `json:"tab"`
	IsNewlyCreated bool `json:"is_newly_created"`
}

type TabResponse struct {
	Tab          Tab   `json:"tab"`
	BalanceCents int64 `json:"balance_cents"`
}

type TabWithBalance struct {
	Tab          Tab   `json:"tab"`
	BalanceCents int64 `json:"balance_cents"`
}

type TabListResponse struct {
	Tabs []TabWithBalance `json:"tabs"`
}

type OrderItem struct {
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Order struct {
	ID          string      `json:"id"`
	TabID       string      `json:"tab_id"`
	Status      string      `json:"status"`
	TotalCents  int64       `json:"total_cents"`
	Items       []OrderItem `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	ConfirmedAt *time.Time  `json:"confirmed_at,omitempty"`
}

// OrderPlaceRequest places an order against an open tab. When ConfirmedAt is
// set the order is persisted already confirmed (the upstream confirmation
// event); otherwise it starts pending.
type OrderPlaceRequest struct {
	TabID       string      `json:"tab_id"`
	Items       []OrderItem `json:"items"`
	TotalCents  int64       `json:"total_cents"`
	ConfirmedAt *time.Time  `json:"confirmed_at,omitempty"`
}

type OrderResponse struct {
	Order Order `json:"order"`
}

type Payment struct {
	ID          string    `json:"id"`
	TabID       string    `json:"tab_id"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	Reference   string    `json:"reference,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PaymentRecordRequest records a settlement event. Status defaults to
// success; pending and failed attempts may be recorded for audit but never
// affect the balance.
type PaymentRecordRequest struct {
	TabID       string     `json:"tab_id"`
	AmountCents int64      `json:"amount_cents"`
	Method      string     `json:"method"`
	Reference   string     `json:"reference,omitempty"`
	Status      string     `json:"status,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

type PaymentResponse struct {
	Payment      Payment `json:"payment"`
	BalanceCents int64   `json:"balance_cents"`
}

type TabCloseRequest struct {
	Reason     string `json:"reason"`
	WriteOff   bool   `json:"write_off"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type TabCloseResponse struct {
	Tab          Tab   `json:"tab"`
	BalanceCents int64 `json:"balance_cents"`
}

// StateChange is the outbound notification emitted on every tab transition.
type StateChange struct {
	TabID        string    `json:"tab_id"`
	VenueID      string    `json:"venue_id"`
	OldStatus    string    `json:"old_status"`
	NewStatus    string    `json:"new_status"`
	BalanceCents int64     `json:"balance_cents"`
	Reason       string    `json:"reason"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type SweepResult struct {
	Checked     int `json:"checked"`
	Closed      int `json:"closed"`
	MadeOverdue int `json:"made_overdue"`
	Skipped     int `json:"skipped"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	TabStatusOpen    = "open"
	TabStatusOverdue = "overdue"
	TabStatusClosed  = "closed"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

const (
	CloseReasonZeroBalance = "zero balance, automatic"
	CloseReasonSettled     = "settled by staff"
	CloseReasonWriteOff    = "write-off"
)
