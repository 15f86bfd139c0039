package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
	"github.com/shlokie19/invi-ware-nexus/internal/metrics"
	"github.com/shlokie19/invi-ware-nexus/internal/service"
	"github.com/shlokie19/invi-ware-nexus/internal/store"
	"github.com/shlokie19/invi-ware-nexus/internal/store/memory"
)

const testSecret = "test-secret-key-with-32-characters!"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithRepo(t, memory.NewSeeded())
}

func newTestAPIWithRepo(t *testing.T, repo store.Repository) *API {
	t.Helper()

	svc := service.New(repo, nil, service.WithJitter(nil))
	auth, err := NewAuthManager(testSecret, time.Hour, repo, nil)
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	return New(svc, auth, "*", nil)
}

// flakyRepo fails adjustments with a conflict a fixed number of times and can
// simulate a storage outage on item listing.
type flakyRepo struct {
	store.Repository
	conflicts atomic.Int32
	listErr   error
}

func (f *flakyRepo) AdjustStock(ctx context.Context, adj domain.StockAdjustment) (*domain.AdjustmentResult, error) {
	if f.conflicts.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: lock wait timed out", store.ErrConcurrencyConflict)
	}
	return f.Repository.AdjustStock(ctx, adj)
}

func (f *flakyRepo) ListItems(ctx context.Context) ([]domain.Item, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Repository.ListItems(ctx)
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func loginAs(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d: %s", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, res.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	res := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	decodeBody(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	res := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body domain.LoginResponse
	decodeBody(t, res, &body)
	if body.AccessToken == "" || body.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestHandleLogin_MissingPasswordIsValidationError(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	var body errorResponse
	decodeBody(t, res, &body)
	if body.Kind != store.KindValidation || !strings.Contains(body.Error, "password") {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestItemsRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/items", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestListItemsWithClerkToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "clerk", "clerk123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/items", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body struct {
		Items []domain.Item `json:"items"`
	}
	decodeBody(t, res, &body)
	if len(body.Items) != 4 {
		t.Fatalf("expected 4 seeded items, got %d", len(body.Items))
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/items/low-stock", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for low stock, got %d", res.Code)
	}
	decodeBody(t, res, &body)
	if len(body.Items) != 1 || body.Items[0].ID != "itm-galaxy-s24" {
		t.Fatalf("unexpected low stock items %+v", body.Items)
	}
}

func TestGetItemNotFound(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "clerk", "clerk123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/items/itm-missing", token, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	var body errorResponse
	decodeBody(t, res, &body)
	if body.Kind != store.KindNotFound {
		t.Fatalf("expected not_found kind, got %+v", body)
	}
}

func TestAdjustmentSuccessEnvelope(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "clerk", "clerk123")

	res := doJSON(t, handler, http.MethodPost, "/api/v1/items/itm-phone-15/adjustments", token, domain.AdjustmentRequest{
		ChangeType:     domain.ChangeSale,
		QuantityChange: -5,
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body adjustmentSuccess
	decodeBody(t, res, &body)
	if !body.Success || body.PreviousQuantity != 45 || body.NewQuantity != 40 {
		t.Fatalf("unexpected adjustment response %+v", body)
	}
	if body.Entry.CreatedBy != "clerk" || body.Entry.QuantityDelta != -5 || body.Entry.Seq != 1 {
		t.Fatalf("unexpected ledger entry %+v", body.Entry)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/items/itm-phone-15/ledger?limit=5", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for item ledger, got %d", res.Code)
	}
	var ledger struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	decodeBody(t, res, &ledger)
	if len(ledger.Entries) != 1 || ledger.Entries[0].NewQuantity != 40 {
		t.Fatalf("unexpected item ledger %+v", ledger.Entries)
	}
}

func TestAdjustmentFailureKinds(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{
			name:   "insufficient stock",
			path:   "/api/v1/items/itm-galaxy-s24/adjustments",
			body:   domain.AdjustmentRequest{ChangeType: domain.ChangeSale, QuantityChange: -13},
			status: http.StatusUnprocessableEntity,
			kind:   store.KindInsufficient,
		},
		{
			name:   "wrong sign",
			path:   "/api/v1/items/itm-galaxy-s24/adjustments",
			body:   domain.AdjustmentRequest{ChangeType: domain.ChangeRestock, QuantityChange: -1},
			status: http.StatusBadRequest,
			kind:   store.KindValidation,
		},
		{
			name:   "unknown change type",
			path:   "/api/v1/items/itm-galaxy-s24/adjustments",
			body:   map[string]any{"change_type": "refund", "quantity_change": 1},
			status: http.StatusBadRequest,
			kind:   store.KindValidation,
		},
		{
			name:   "unknown field",
			path:   "/api/v1/items/itm-galaxy-s24/adjustments",
			body:   map[string]any{"change_type": "sale", "quantity_change": -1, "price": 10},
			status: http.StatusBadRequest,
			kind:   store.KindValidation,
		},
		{
			name:   "quantity change beyond ledger range",
			path:   "/api/v1/items/itm-galaxy-s24/adjustments",
			body:   map[string]any{"change_type": "restock", "quantity_change": int64(3_000_000_000)},
			status: http.StatusBadRequest,
			kind:   store.KindValidation,
		},
		{
			name:   "unknown item",
			path:   "/api/v1/items/itm-missing/adjustments",
			body:   domain.AdjustmentRequest{ChangeType: domain.ChangeRestock, QuantityChange: 1},
			status: http.StatusNotFound,
			kind:   store.KindNotFound,
		},
	}

	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "clerk", "clerk123")

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := doJSON(t, handler, http.MethodPost, tc.path, token, tc.body)
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d (body: %s)", tc.status, res.Code, res.Body.String())
			}
			var body adjustmentFailure
			decodeBody(t, res, &body)
			if body.Success || body.Error.Kind != tc.kind || body.Error.Message == "" {
				t.Fatalf("unexpected failure envelope %+v", body)
			}
		})
	}
}

func TestAdjustmentConflictIsRetriedOnce(t *testing.T) {
	repo := &flakyRepo{Repository: memory.NewSeeded()}
	api := newTestAPIWithRepo(t, repo)
	handler := api.Handler()
	token := loginAs(t, handler, "clerk", "clerk123")
	req := domain.AdjustmentRequest{ChangeType: domain.ChangeRestock, QuantityChange: 3}

	before := testutil.ToFloat64(metrics.ConflictRetries)
	repo.conflicts.Store(1)
	res := doJSON(t, handler, http.MethodPost, "/api/v1/items/itm-macbook-16/adjustments", token, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d (body: %s)", res.Code, res.Body.String())
	}
	if got := testutil.ToFloat64(metrics.ConflictRetries) - before; got != 1 {
		t.Fatalf("expected one retry, got %v", got)
	}

	repo.conflicts.Store(2)
	res = doJSON(t, handler, http.MethodPost, "/api/v1/items/itm-macbook-16/adjustments", token, req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 after a failed retry, got %d", res.Code)
	}
	var body adjustmentFailure
	decodeBody(t, res, &body)
	if body.Error.Kind != store.KindConflict {
		t.Fatalf("expected concurrency_conflict, got %+v", body)
	}
}

func TestPersistenceErrorsAreHidden(t *testing.T) {
	repo := &flakyRepo{
		Repository: memory.NewSeeded(),
		listErr:    fmt.Errorf("%w: dial tcp db-internal:5432: connection refused", store.ErrPersistence),
	}
	api := newTestAPIWithRepo(t, repo)
	handler := api.Handler()
	token := loginAs(t, handler, "clerk", "clerk123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/items", token, nil)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "db-internal") {
		t.Fatalf("response leaked the storage error: %s", res.Body.String())
	}
	var body errorResponse
	decodeBody(t, res, &body)
	if body.Kind != store.KindPersistence {
		t.Fatalf("expected persistence_error kind, got %+v", body)
	}
}

func TestCreateItemRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	clerk := loginAs(t, handler, "clerk", "clerk123")
	admin := loginAs(t, handler, "admin", "admin123")

	req := domain.ItemCreateRequest{
		Name:         "Paper Towels",
		SKU:          "hh-pt-002",
		ReorderLevel: 10,
		Batches:      []domain.BatchCreateRequest{{BatchNumber: "PT-1", Quantity: 24, ExpiryDate: "2027-03-01"}},
	}

	res := doJSON(t, handler, http.MethodPost, "/api/v1/items", clerk, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk, got %d", res.Code)
	}

	res = doJSON(t, handler, http.MethodPost, "/api/v1/items", admin, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for admin, got %d (body: %s)", res.Code, res.Body.String())
	}
	var detail domain.ItemDetail
	decodeBody(t, res, &detail)
	if detail.Item.Quantity != 24 || len(detail.Batches) != 1 {
		t.Fatalf("unexpected created item %+v", detail)
	}

	bad := req
	bad.Batches = []domain.BatchCreateRequest{{BatchNumber: "PT-2", Quantity: 1, ExpiryDate: "01-03-2027"}}
	res = doJSON(t, handler, http.MethodPost, "/api/v1/items", admin, bad)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed expiry date, got %d", res.Code)
	}
}

func TestLedgerRequiresAdminAndReportsTotals(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	clerk := loginAs(t, handler, "clerk", "clerk123")
	admin := loginAs(t, handler, "admin", "admin123")

	for _, req := range []domain.AdjustmentRequest{
		{ChangeType: domain.ChangeSale, QuantityChange: -4},
		{ChangeType: domain.ChangeRestock, QuantityChange: 10},
		{ChangeType: domain.ChangeDamaged, QuantityChange: -1, Note: "crushed case"},
	} {
		res := doJSON(t, handler, http.MethodPost, "/api/v1/items/itm-water-600/adjustments", clerk, req)
		if res.Code != http.StatusOK {
			t.Fatalf("adjustment failed: %d %s", res.Code, res.Body.String())
		}
	}

	res := doJSON(t, handler, http.MethodGet, "/api/v1/ledger", clerk, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk, got %d", res.Code)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/ledger?change_type=sale,restock&item_id=itm-water-600", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var view domain.LedgerView
	decodeBody(t, res, &view)
	if len(view.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(view.Entries))
	}
	want := domain.LedgerTotals{TotalSales: 4, TotalRestocks: 10, NetMovement: 6}
	if view.Totals != want {
		t.Fatalf("expected totals %+v, got %+v", want, view.Totals)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/ledger?from=yesterday", admin, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", res.Code)
	}
}

func TestInsightEndpoints(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	clerk := loginAs(t, handler, "clerk", "clerk123")
	admin := loginAs(t, handler, "admin", "admin123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/items/itm-galaxy-s24/insight", clerk, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for item insight, got %d", res.Code)
	}
	var in domain.ItemInsight
	decodeBody(t, res, &in)
	if in.Forecast.PredictedDaysLeft != 6 || !in.LowStock {
		t.Fatalf("unexpected insight %+v", in)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/items/itm-galaxy-s24/projection", clerk, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for projection, got %d", res.Code)
	}
	var projection domain.ItemProjection
	decodeBody(t, res, &projection)
	if len(projection.Points) != 15 {
		t.Fatalf("expected 15 points, got %d", len(projection.Points))
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/insights", clerk, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for insights, got %d", res.Code)
	}
	var all domain.InventoryInsights
	decodeBody(t, res, &all)
	if len(all.Items) != 4 || all.Health.Label == "" {
		t.Fatalf("unexpected inventory insights %+v", all)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/insights/health", clerk, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for health, got %d", res.Code)
	}
	var health domain.HealthScore
	decodeBody(t, res, &health)
	if health != all.Health {
		t.Fatalf("health endpoint disagrees with insights: %+v vs %+v", health, all.Health)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/batches/expiring?within_days=7", clerk, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for expiring batches, got %d", res.Code)
	}
	var expiring struct {
		Batches []domain.Batch `json:"batches"`
	}
	decodeBody(t, res, &expiring)
	if len(expiring.Batches) != 1 || expiring.Batches[0].ItemID != "itm-water-600" {
		t.Fatalf("unexpected expiring batches %+v", expiring.Batches)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/reorder-suggestions", clerk, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk reorder suggestions, got %d", res.Code)
	}
	res = doJSON(t, handler, http.MethodGet, "/api/v1/reorder-suggestions", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for reorder suggestions, got %d", res.Code)
	}
	var suggestions domain.ReorderSuggestionResponse
	decodeBody(t, res, &suggestions)
	if len(suggestions.Suggestions) != 1 || suggestions.Suggestions[0].ItemID != "itm-galaxy-s24" {
		t.Fatalf("unexpected suggestions %+v", suggestions)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "clerk", "clerk123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/items/itm-phone-15/adjustments", token, nil)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestMetricsEndpointExposesRequestCounter(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	res := doJSON(t, handler, http.MethodGet, "/metrics", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "stockledger_http_requests_total") {
		t.Fatalf("expected request counter in exposition")
	}
}

func TestParseLedgerFilter(t *testing.T) {
	q := map[string][]string{
		"item_id":     {" itm-a "},
		"change_type": {"sale, damaged", "move"},
		"from":        {"2025-05-01"},
		"to":          {"2025-05-02"},
		"search":      {" broken "},
		"limit":       {"5000"},
	}
	filter, err := parseLedgerFilter(q)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	if filter.ItemID != "itm-a" || filter.Search != "broken" || filter.Limit != 1000 {
		t.Fatalf("unexpected filter %+v", filter)
	}
	if len(filter.ChangeTypes) != 3 || filter.ChangeTypes[2] != domain.ChangeMove {
		t.Fatalf("unexpected change types %v", filter.ChangeTypes)
	}
	if !filter.From.Equal(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected from %v", filter.From)
	}
	if !filter.To.Equal(time.Date(2025, 5, 2, 23, 59, 59, 999999999, time.UTC)) {
		t.Fatalf("expected to to cover the whole day, got %v", filter.To)
	}

	if _, err := parseLedgerFilter(map[string][]string{"to": {"May 2"}}); err == nil {
		t.Fatalf("expected error for unparseable date")
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes.
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
