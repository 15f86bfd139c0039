package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
	"github.com/shlokie19/invi-ware-nexus/internal/logger"
	"github.com/shlokie19/invi-ware-nexus/internal/metrics"
	"github.com/shlokie19/invi-ware-nexus/internal/service"
	"github.com/shlokie19/invi-ware-nexus/internal/store"
	"github.com/shlokie19/invi-ware-nexus/internal/xid"
)

const (
	maxBodyBytes       = 1 << 20
	maxExpiryQueryDays = 365
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *clientLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newClientLimiter(5, time.Minute),
		logger:        log,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	anyRole := []string{domain.RoleClerk, domain.RoleAdmin}
	mux.HandleFunc("/api/v1/items", a.requireAuth(a.handleItems, anyRole...))
	mux.HandleFunc("/api/v1/items/low-stock", a.requireAuth(a.handleLowStock, anyRole...))
	mux.HandleFunc("/api/v1/items/{id}", a.requireAuth(a.handleItem, anyRole...))
	mux.HandleFunc("/api/v1/items/{id}/adjustments", a.requireAuth(a.handleAdjustments, anyRole...))
	mux.HandleFunc("/api/v1/items/{id}/ledger", a.requireAuth(a.handleItemLedger, anyRole...))
	mux.HandleFunc("/api/v1/items/{id}/insight", a.requireAuth(a.handleItemInsight, anyRole...))
	mux.HandleFunc("/api/v1/items/{id}/projection", a.requireAuth(a.handleItemProjection, anyRole...))
	mux.HandleFunc("/api/v1/insights", a.requireAuth(a.handleInsights, anyRole...))
	mux.HandleFunc("/api/v1/insights/health", a.requireAuth(a.handleHealthScore, anyRole...))
	mux.HandleFunc("/api/v1/batches/expiring", a.requireAuth(a.handleExpiringBatches, anyRole...))

	mux.HandleFunc("/api/v1/ledger", a.requireAuth(a.handleLedger, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/reorder-suggestions", a.requireAuth(a.handleReorderSuggestions, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		ctx := service.WithActor(r.Context(), actor)
		ctx = logger.WithContext(ctx, logger.FromContext(ctx, a.logger).With(zap.String("actor", actor.Username)))
		next(w, r.WithContext(ctx))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeValid(r, &req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, store.KindValidation, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInactiveAccount):
		writeError(w, http.StatusUnauthorized, err)
	case err != nil:
		a.writeInternal(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.service.ListItems(r.Context())
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req domain.ItemCreateRequest
		if err := decodeValid(r, &req); err != nil {
			writeErrorKind(w, http.StatusBadRequest, store.KindValidation, err)
			return
		}
		detail, err := a.service.CreateItem(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, detail)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	detail, err := a.service.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items, err := a.service.LowStockItems(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type adjustmentSuccess struct {
	Success          bool               `json:"success"`
	PreviousQuantity int                `json:"previous_quantity"`
	NewQuantity      int                `json:"new_quantity"`
	Entry            domain.LedgerEntry `json:"entry"`
}

type adjustmentFailure struct {
	Success bool            `json:"success"`
	Error   adjustmentError `json:"error"`
}

type adjustmentError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handleAdjustments applies one stock change. A concurrency conflict is
// retried once before it reaches the client.
func (a *API) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.AdjustmentRequest
	if err := decodeValid(r, &req); err != nil {
		a.writeAdjustmentFailure(w, r, err)
		return
	}

	itemID := r.PathValue("id")
	res, err := a.service.AdjustStock(r.Context(), itemID, req)
	if store.Retryable(err) {
		metrics.ConflictRetries.Inc()
		logger.FromContext(r.Context(), a.logger).Info("retrying adjustment after conflict", zap.String("item_id", itemID))
		res, err = a.service.AdjustStock(r.Context(), itemID, req)
	}
	if err != nil {
		a.writeAdjustmentFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, adjustmentSuccess{
		Success:          true,
		PreviousQuantity: res.PreviousQuantity,
		NewQuantity:      res.NewQuantity,
		Entry:            res.Entry,
	})
}

func (a *API) writeAdjustmentFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := store.Kind(err)
	status := statusForKind(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), a.logger).Error("adjustment failed", zap.Error(err))
		msg = publicMessage(status)
	}
	writeJSON(w, status, adjustmentFailure{
		Success: false,
		Error:   adjustmentError{Kind: kind, Message: msg},
	})
}

func (a *API) handleItemLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	entries, err := a.service.ItemLedger(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleItemInsight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	in, err := a.service.ItemInsight(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleItemProjection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	projection, err := a.service.ItemProjection(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projection)
}

func (a *API) handleInsights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	insights, err := a.service.InventoryInsights(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (a *API) handleHealthScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	score, err := a.service.HealthScore(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (a *API) handleExpiringBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	within := parsePositiveLimit(r.URL.Query().Get("within_days"), 0, maxExpiryQueryDays)
	batches, err := a.service.ExpiringBatches(r.Context(), within)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	filter, err := parseLedgerFilter(r.URL.Query())
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, store.KindValidation, err)
		return
	}
	view, err := a.service.ListLedger(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleReorderSuggestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	resp, err := a.service.ReorderSuggestions(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseLedgerFilter reads item_id, change_type (repeated or comma separated),
// from, to, search and limit. Date-only bounds cover whole UTC days.
func parseLedgerFilter(q url.Values) (domain.LedgerFilter, error) {
	filter := domain.LedgerFilter{
		ItemID: strings.TrimSpace(q.Get("item_id")),
		Search: strings.TrimSpace(q.Get("search")),
		Limit:  parsePositiveLimit(q.Get("limit"), 200, 1000),
	}
	for _, raw := range q["change_type"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.ChangeTypes = append(filter.ChangeTypes, domain.ChangeType(part))
			}
		}
	}

	var err error
	if filter.From, err = parseTimeParam("from", q.Get("from"), false); err != nil {
		return domain.LedgerFilter{}, err
	}
	if filter.To, err = parseTimeParam("to", q.Get("to"), true); err != nil {
		return domain.LedgerFilter{}, err
	}
	return filter, nil
}

func parseTimeParam(name string, raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339 or YYYY-MM-DD", store.ErrValidation, name)
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, nil
}

func statusForKind(kind string) int {
	switch kind {
	case store.KindValidation:
		return http.StatusBadRequest
	case store.KindInsufficient:
		return http.StatusUnprocessableEntity
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrAdminRequired) {
		writeError(w, http.StatusForbidden, err)
		return
	}
	kind := store.Kind(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), a.logger).Error("request failed", zap.String("kind", kind), zap.Error(err))
	}
	writeErrorKind(w, status, kind, err)
}

func (a *API) writeInternal(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger.FromContext(r.Context(), a.logger).Error("request failed", zap.Error(err))
	writeError(w, status, err)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > 64 {
			requestID = xid.New("req")
		}
		w.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		reqLogger := a.logger.With(zap.String("request_id", requestID))
		r = r.WithContext(logger.WithContext(r.Context(), reqLogger))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			reqLogger.Debug("request", fields...)
			return
		}
		reqLogger.Info("request", fields...)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeValid decodes the body and runs the struct's validate tags. Both
// failures are reported as validation errors.
func decodeValid(r *http.Request, dest any) error {
	if err := decodeJSON(r, dest); err != nil {
		return fmt.Errorf("%w: invalid request body: %s", store.ErrValidation, err.Error())
	}
	if err := validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %s", store.ErrValidation, describeFieldErrors(fieldErrs))
		}
		return fmt.Errorf("%w: %s", store.ErrValidation, err.Error())
	}
	return nil
}

func describeFieldErrors(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorKind(w, status, "", err)
}

// writeErrorKind hides the cause of 5xx responses; callers log it first.
func writeErrorKind(w http.ResponseWriter, status int, kind string, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = publicMessage(status)
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

func publicMessage(status int) string {
	if status == http.StatusServiceUnavailable {
		return "storage temporarily unavailable"
	}
	return "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
