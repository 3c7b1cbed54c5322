package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/billoapp/tabz/internal/domain"
	"github.com/billoapp/tabz/internal/service"
	"github.com/billoapp/tabz/internal/store/memory"
)

const testManagerPIN = "739154"

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	repo := memory.New()
	for _, u := range []struct {
		username, password, role string
	}{
		{"boss", "boss-secret", "manager"},
		{"waiter", "waiter-secret", "staff"},
	} {
		// Plaintext seeds; the auth manager upgrades them to bcrypt on
		// bootstrap, same as a hand-edited production user row.
		err := repo.CreateUser(context.Background(), domain.UserAccount{
			Username:  u.username,
			Password:  u.password,
			Role:      u.role,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed user %s: %v", u.username, err)
		}
	}

	svc := service.New(repo, nil, nil, time.Minute)
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, testManagerPIN, repo)
	api := New(svc, auth, "http://127.0.0.1:3000")
	return api, api.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/auth/csrf-token", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token: status %d", rec.Code)
	}
	var resp struct {
		Token string `json:"csrf_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return resp.Token
}

func managerHeaders(t *testing.T, handler http.Handler) map[string]string {
	t.Helper()
	return map[string]string{
		"Authorization": "Bearer " + login(t, handler, "boss", "boss-secret"),
		"X-CSRF-Token":  csrfToken(t, handler),
	}
}

func createVenue(t *testing.T, handler http.Handler, headers map[string]string) domain.Venue {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/venues", map[string]any{
		"name":     "Corner Pub",
		"timezone": "Africa/Nairobi",
		"hours": map[string]any{
			"mode": "simple",
			"simple": map[string]any{
				"open":  map[string]int{"hour": 9},
				"close": map[string]int{"hour": 23},
			},
		},
	}, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create venue: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp domain.VenueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode venue: %v", err)
	}
	return resp.Venue
}

func TestHealthz(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "boss",
		"password": "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestStaffEndpointsRequireToken(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/venues", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestVenueCreationRequiresManagerRole(t *testing.T) {
	_, handler := newTestAPI(t)
	headers := map[string]string{
		"Authorization": "Bearer " + login(t, handler, "waiter", "waiter-secret"),
		"X-CSRF-Token":  csrfToken(t, handler),
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/venues", map[string]any{
		"name":     "Nope",
		"timezone": "UTC",
		"hours":    map[string]any{"mode": "always_open"},
	}, headers)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %s", rec.Code, rec.Body.String())
	}
}

func TestVenueMutationRequiresCSRFToken(t *testing.T) {
	_, handler := newTestAPI(t)
	headers := map[string]string{
		"Authorization": "Bearer " + login(t, handler, "boss", "boss-secret"),
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/venues", map[string]any{
		"name":     "No CSRF",
		"timezone": "UTC",
		"hours":    map[string]any{"mode": "always_open"},
	}, headers)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestDeviceTabFlow(t *testing.T) {
	_, handler := newTestAPI(t)
	venue := createVenue(t, handler, managerHeaders(t, handler))

	// First open creates the tab.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/tabs", map[string]string{
		"venue_id":  venue.ID,
		"device_id": "table-4",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open tab: status %d body %s", rec.Code, rec.Body.String())
	}
	var opened domain.TabOpenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode tab: %v", err)
	}
	if !opened.IsNewlyCreated {
		t.Fatal("expected a newly created tab")
	}

	// Second open from the same device returns the same tab with 200.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/tabs", map[string]string{
		"venue_id":  venue.ID,
		"device_id": "table-4",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reopen tab: status %d", rec.Code)
	}
	var reopened domain.TabOpenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reopened); err != nil {
		t.Fatalf("decode reopened tab: %v", err)
	}
	if reopened.Tab.ID != opened.Tab.ID || reopened.IsNewlyCreated {
		t.Fatalf("reopen diverged: %+v vs %+v", reopened, opened)
	}

	tabID := opened.Tab.ID

	// Place and confirm an order.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders", map[string]any{
		"tab_id":      tabID,
		"total_cents": 4500,
		"items":       []map[string]any{{"name": "round of beers", "qty": 3, "unit_price_cents": 1500}},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("place order: status %d body %s", rec.Code, rec.Body.String())
	}
	var order domain.OrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/confirm", order.Order.ID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm order: status %d body %s", rec.Code, rec.Body.String())
	}

	// Balance shows up on the tab.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/tabs/"+tabID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get tab: status %d", rec.Code)
	}
	var tabResp domain.TabResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tabResp); err != nil {
		t.Fatalf("decode tab response: %v", err)
	}
	if tabResp.BalanceCents != 4500 {
		t.Fatalf("balance = %d, want 4500", tabResp.BalanceCents)
	}

	// A payment clears it.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/payments", map[string]any{
		"tab_id":       tabID,
		"amount_cents": 4500,
		"method":       "mpesa",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("record payment: status %d body %s", rec.Code, rec.Body.String())
	}
	var payResp domain.PaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if payResp.BalanceCents != 0 {
		t.Fatalf("balance after payment = %d, want 0", payResp.BalanceCents)
	}
}

func TestCloseTabRequiresAuth(t *testing.T) {
	_, handler := newTestAPI(t)
	venue := createVenue(t, handler, managerHeaders(t, handler))

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/tabs", map[string]string{
		"venue_id": venue.ID, "device_id": "table-1",
	}, nil)
	var opened domain.TabOpenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode tab: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/tabs/"+opened.Tab.ID+"/close", domain.TabCloseRequest{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWriteOffGatedByManagerPIN(t *testing.T) {
	_, handler := newTestAPI(t)
	venue := createVenue(t, handler, managerHeaders(t, handler))

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/tabs", map[string]string{
		"venue_id": venue.ID, "device_id": "table-1",
	}, nil)
	var opened domain.TabOpenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode tab: %v", err)
	}
	tabID := opened.Tab.ID

	// Confirmed order leaves debt on the tab.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders", map[string]any{
		"tab_id": tabID, "total_cents": 2500,
		"items": []map[string]any{{"name": "whisky", "qty": 1, "unit_price_cents": 2500}},
	}, nil)
	var order domain.OrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/confirm", order.Order.ID), nil, nil)

	staffAuth := map[string]string{"Authorization": "Bearer " + login(t, handler, "waiter", "waiter-secret")}

	// Settle close fails with debt.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/tabs/"+tabID+"/close", domain.TabCloseRequest{}, staffAuth)
	if rec.Code != http.StatusConflict {
		t.Fatalf("settle with debt: status %d, want 409, body %s", rec.Code, rec.Body.String())
	}

	// Staff write-off without PIN is refused.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/tabs/"+tabID+"/close", domain.TabCloseRequest{
		WriteOff: true, Reason: "walked out",
	}, staffAuth)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("write-off without pin: status %d, want 403", rec.Code)
	}

	// With the manager PIN it goes through.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/tabs/"+tabID+"/close", domain.TabCloseRequest{
		WriteOff: true, Reason: "walked out", ManagerPIN: testManagerPIN,
	}, staffAuth)
	if rec.Code != http.StatusOK {
		t.Fatalf("write-off with pin: status %d body %s", rec.Code, rec.Body.String())
	}
	var closed domain.TabCloseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &closed); err != nil {
		t.Fatalf("decode close: %v", err)
	}
	if !closed.Tab.WriteOff || closed.Tab.Status != domain.TabStatusClosed {
		t.Fatalf("unexpected close result: %+v", closed.Tab)
	}
}

func TestSweepEndpointManagerOnly(t *testing.T) {
	_, handler := newTestAPI(t)

	staffAuth := map[string]string{
		"Authorization": "Bearer " + login(t, handler, "waiter", "waiter-secret"),
		"X-CSRF-Token":  csrfToken(t, handler),
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sweep", nil, staffAuth)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff sweep: status %d, want 403", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sweep", nil, managerHeaders(t, handler))
	if rec.Code != http.StatusOK {
		t.Fatalf("manager sweep: status %d body %s", rec.Code, rec.Body.String())
	}
	var result domain.SweepResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode sweep result: %v", err)
	}
}

func TestOverdueListingRequiresStaff(t *testing.T) {
	_, handler := newTestAPI(t)
	venue := createVenue(t, handler, managerHeaders(t, handler))

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/venues/"+venue.ID+"/tabs/overdue", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous overdue list: status %d, want 401", rec.Code)
	}

	staffAuth := map[string]string{"Authorization": "Bearer " + login(t, handler, "waiter", "waiter-secret")}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/venues/"+venue.ID+"/tabs/overdue", nil, staffAuth)
	if rec.Code != http.StatusOK {
		t.Fatalf("staff overdue list: status %d body %s", rec.Code, rec.Body.String())
	}
	var list domain.TabListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tabs) != 0 {
		t.Fatalf("expected no overdue tabs, got %d", len(list.Tabs))
	}
}

func TestUnknownTabReturns404(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/tabs/tab-nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/tabs", map[string]string{
		"venue_id": "v", "device_id": "d", "surprise": "field",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodDelete, "/api/v1/tabs", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestStaffManagementManagerOnly(t *testing.T) {
	_, handler := newTestAPI(t)

	headers := managerHeaders(t, handler)
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{
		Username: "newbie", Password: "newbie-pass",
	}, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create staff: status %d body %s", rec.Code, rec.Body.String())
	}

	// The new account can log in.
	login(t, handler, "newbie", "newbie-pass")

	staffAuth := map[string]string{
		"Authorization": "Bearer " + login(t, handler, "waiter", "waiter-secret"),
		"X-CSRF-Token":  csrfToken(t, handler),
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{
		Username: "mole", Password: "mole-pass",
	}, staffAuth)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff creating staff: status %d, want 403", rec.Code)
	}
}
