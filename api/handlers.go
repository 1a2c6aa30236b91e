/*
handlers.go - HTTP API handlers for the utility billing ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the service layer.

ENDPOINTS:
  Units:
    GET    /api/clients/{clientID}/units                   List units
    POST   /api/clients/{clientID}/units                   Register unit
    GET    /api/clients/{clientID}/units/{unitID}/bills    Bills of a unit
    GET    /api/clients/{clientID}/units/{unitID}/unpaid   Unpaid summary
    GET    /api/clients/{clientID}/units/{unitID}/credit   Credit statement

  Payments:
    POST   /api/clients/{clientID}/units/{unitID}/payments   Apply payment
    POST   /api/clients/{clientID}/transactions/{txID}/reverse
    DELETE /api/clients/{clientID}/transactions/{txID}       Reverse payment

  Bills & penalties:
    POST   /api/clients/{clientID}/bills                     Record a charge
    POST   /api/clients/{clientID}/penalties/recalculate     Penalty run

  Views:
    GET    /api/clients/{clientID}/years/{year}/view
    POST   /api/clients/{clientID}/years/{year}/rebuild

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator/v10)
  3. Call the service
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as ErrorResponse with a machine-readable code:
  - 400 VALIDATION_FAILED: invalid input
  - 404 NOT_FOUND: unknown unit, bill or view
  - 409 DUPLICATE_TRANSACTION, BILL_EXISTS, CONCURRENCY_CONFLICT
  - 422 INSUFFICIENT_CREDIT
  - 500 REVERSAL_FAILED: bill cleanup failed, credit restored
  - 500 ROLLBACK_FAILED: credit restore failed, needs an operator
  - 500 INTERNAL

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/logging"
	"github.com/warp/utility-ledger/penalty"
	"github.com/warp/utility-ledger/service"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *service.Service
	Nightly *NightlyScheduler

	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the service.
func NewHandler(svc *service.Service, logger *zap.Logger) *Handler {
	logger = logging.OrNop(logger)
	return &Handler{
		Service:  svc,
		Nightly:  NewNightlyScheduler(svc, logger),
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// UNIT HANDLERS
// =============================================================================

// ListUnits returns the units of a client.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Service.ListUnits(r.Context(), clientID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	dtos := make([]UnitDTO, 0, len(units))
	for _, u := range units {
		dtos = append(dtos, toUnitDTO(u))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUnit registers a unit.
func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateUnitRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.Service.RegisterUnit(r.Context(), billing.Unit{
		ClientID: clientID(r),
		ID:       billing.UnitID(req.ID),
		Name:     req.Name,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUnitDTO(u))
}

// ListBills returns every bill of a unit, oldest first.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	cid := clientID(r)
	bills, err := h.Service.ListBills(r.Context(), cid, unitID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTOs(h.Service.Policy(cid), bills))
}

// GetUnpaidSummary returns the outstanding bills of a unit.
func (h *Handler) GetUnpaidSummary(w http.ResponseWriter, r *http.Request) {
	cid := clientID(r)
	summary, err := h.Service.UnpaidSummary(r.Context(), cid, unitID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnpaidSummaryDTO(h.Service.Policy(cid), summary))
}

// GetCredit returns a credit balance with its history.
// Query: year (default: current fiscal year), transaction_id (filter).
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	cid := clientID(r)
	year := 0
	if raw := r.URL.Query().Get("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Invalid year", err)
			return
		}
		year = y
	}
	txID := billing.TransactionID(r.URL.Query().Get("transaction_id"))

	stmt, err := h.Service.CreditStatement(r.Context(), cid, unitID(r), year, txID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditStatementDTO(h.Service.Policy(cid), stmt))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ApplyPayment applies an incoming payment to the unit's bills.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Invalid date", err)
		return
	}

	cid := clientID(r)
	res, err := h.Service.ApplyPayment(r.Context(), billing.Transaction{
		ID:       billing.TransactionID(req.TransactionID),
		ClientID: cid,
		UnitID:   unitID(r),
		Amount:   billing.Money(req.Amount),
		Date:     date,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(h.Service.Policy(cid), res))
}

// ReverseTransaction undoes a payment.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	txID := billing.TransactionID(chi.URLParam(r, "txID"))
	res, err := h.Service.ReverseTransaction(r.Context(), clientID(r), txID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReversalResponse(res))
}

// =============================================================================
// BILL & PENALTY HANDLERS
// =============================================================================

// RecordBill stores a charge produced by the billing cycle.
func (h *Handler) RecordBill(w http.ResponseWriter, r *http.Request) {
	var req RecordBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	nb := service.NewBill{
		ClientID:   clientID(r),
		UnitID:     billing.UnitID(req.UnitID),
		Period:     billing.BillingPeriod(req.Period),
		BaseCharge: billing.Money(*req.BaseCharge),
	}
	if req.DueDate != "" {
		due, err := time.Parse(dateLayout, req.DueDate)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Invalid due_date", err)
			return
		}
		nb.DueDate = due
	}

	b, err := h.Service.RecordBill(r.Context(), nb)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillDTO(h.Service.Policy(nb.ClientID), b))
}

// RecalculatePenalties runs the penalty calculator for a client or one unit.
// The body is optional.
func (h *Handler) RecalculatePenalties(w http.ResponseWriter, r *http.Request) {
	var req RecalculatePenaltiesRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	var asOf time.Time
	if req.AsOf != "" {
		t, err := time.Parse(dateLayout, req.AsOf)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Invalid as_of", err)
			return
		}
		asOf = t
	}
	scope := penalty.AllUnits()
	if req.UnitID != "" {
		scope = penalty.Unit(billing.UnitID(req.UnitID))
	}

	run, err := h.Service.RecalculatePenalties(r.Context(), clientID(r), scope, asOf)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyRunDTO(run))
}

// =============================================================================
// VIEW HANDLERS
// =============================================================================

// GetYearView returns the aggregated view of a fiscal year.
func (h *Handler) GetYearView(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	cid := clientID(r)
	v, err := h.Service.YearView(r.Context(), cid, year)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, YearViewResponse{
		YearView:         v,
		CurrencyExponent: h.Service.Policy(cid).CurrencyExponent,
	})
}

// RebuildYearView recomputes the aggregated view from the ledger.
func (h *Handler) RebuildYearView(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	cid := clientID(r)
	v, err := h.Service.RebuildView(r.Context(), cid, year)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, YearViewResponse{
		YearView:         v,
		CurrencyExponent: h.Service.Policy(cid).CurrencyExponent,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerNightly runs the nightly batch immediately.
func (h *Handler) TriggerNightly(w http.ResponseWriter, r *http.Request) {
	report := h.Nightly.RunNow(r.Context())
	status := http.StatusOK
	if report.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func clientID(r *http.Request) billing.ClientID {
	return billing.ClientID(chi.URLParam(r, "clientID"))
}

func unitID(r *http.Request) billing.UnitID {
	return billing.UnitID(chi.URLParam(r, "unitID"))
}

func yearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1 {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Invalid year", err)
		return 0, false
	}
	return year, true
}

// decode reads a JSON body into dst and validates it. On failure it writes
// a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    "VALIDATION_FAILED",
			Details: details,
		})
		return false
	}
	writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed", err)
	return false
}

// writeServiceError maps ledger errors to status codes. Order matters: a
// rollback failure also carries the phase-two error.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrRollback):
		h.logger.Error("reversal rollback failed", zap.Error(err), logging.Alert())
		writeErrorCode(w, http.StatusInternalServerError, "ROLLBACK_FAILED", "Reversal rollback failed", err)
	case errors.Is(err, billing.ErrReversalPhaseTwo):
		h.logger.Error("reversal failed", zap.Error(err))
		writeErrorCode(w, http.StatusInternalServerError, "REVERSAL_FAILED", "Reversal failed, credit restored", err)
	case errors.Is(err, billing.ErrValidation):
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed", err)
	case errors.Is(err, billing.ErrInsufficientCredit):
		writeErrorCode(w, http.StatusUnprocessableEntity, "INSUFFICIENT_CREDIT", "Insufficient credit", err)
	case billing.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "Not found", err)
	case errors.Is(err, billing.ErrDuplicateTransaction):
		writeErrorCode(w, http.StatusConflict, "DUPLICATE_TRANSACTION", "Transaction already applied", err)
	case errors.Is(err, billing.ErrBillExists):
		writeErrorCode(w, http.StatusConflict, "BILL_EXISTS", "Bill already exists", err)
	case errors.Is(err, billing.ErrConcurrencyConflict):
		writeErrorCode(w, http.StatusConflict, "CONCURRENCY_CONFLICT", "Concurrent update, retry later", err)
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, "", message, err)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
