/*
handlers.go - HTTP API handlers for the stock ledger engine

PURPOSE:
  Exposes the stock ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Transactions:
    POST   /api/transactions           Record a stock movement
    GET    /api/transactions           Tuple history (query params)

  Counts:
    POST   /api/counts                 Post a physical count

  Items / metrics:
    GET    /api/items                  List catalog items
    POST   /api/items                  Catalog upsert (sync-in)
    GET    /api/items/{id}/metrics     SOH + AMC + MOS for one item
    GET    /api/items/{id}/amc         AMC (optional ?months=N)
    GET    /api/items/{id}/mos         MOS
    GET    /api/items/{id}/balances    Per-tuple balances
    GET    /api/items/{id}/batches     Lots for the item

  Alerts:
    GET    /api/alerts                 Alert classification, all active items

  Balances:
    POST   /api/balances/rebuild       Full rebuild for one tuple

  RRF:
    POST   /api/rrfs                   Draft a form
    GET    /api/rrfs                   List headers (?status=)
    GET    /api/rrfs/{id}              Header + lines
    POST   /api/rrfs/{id}/transition   Advance status

  Sync:
    GET    /api/sync/queue             Pending outbox entries
    POST   /api/sync/drain             One manual drain pass

  Admin:
    POST   /api/admin/reset            Wipe all collections (dev only)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (idempotency, illegal status transition)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. Identity and authorization live with the
  upstream system of record; this service trusts its local callers.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Background sync drain
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/medsupply/stock-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    ledger.TxStore
	Recorder *ledger.Recorder
	Metrics  *ledger.Engine
	Planner  *ledger.Planner
	Catalog  *ledger.CatalogSync
	Drainer  *ledger.Drainer
	Log      *logrus.Logger

	validate *validator.Validate
}

// NewHandler wires the domain components around a single store.
func NewHandler(store ledger.TxStore, thresholds ledger.Thresholds, log *logrus.Logger) *Handler {
	metrics := ledger.NewEngine(store, thresholds)
	return &Handler{
		Store:    store,
		Recorder: ledger.NewRecorder(store),
		Metrics:  metrics,
		Planner:  ledger.NewPlanner(store, metrics),
		Catalog:  ledger.NewCatalogSync(store),
		Drainer:  ledger.NewDrainer(store, nil),
		Log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// RecordTransaction appends one stock movement to the ledger.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields", err)
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	input := ledger.TransactionInput{
		Type:               ledger.TxnType(req.Type),
		FacilityID:         ledger.FacilityID(req.FacilityID),
		StoreRoom:          req.StoreRoom,
		ItemID:             ledger.ItemID(req.ItemID),
		BatchID:            ledger.BatchID(req.BatchID),
		LotCode:            req.LotCode,
		Manufacturer:       req.Manufacturer,
		Quantity:           qty,
		Unit:               req.Unit,
		Reason:             req.Reason,
		Source:             req.Source,
		Destination:        req.Destination,
		DocumentRef:        req.DocumentRef,
		TxnAt:              req.TxnAt,
		RecordedBy:         req.RecordedBy,
		FEFOOverride:       req.FEFOOverride,
		FEFOOverrideReason: req.FEFOOverrideReason,
		IdempotencyKey:     req.IdempotencyKey,
	}
	if req.ExpiryDate != "" {
		expiry, err := parseDate(req.ExpiryDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry_date format (use YYYY-MM-DD)", err)
			return
		}
		input.ExpiryDate = expiry
	}

	result, err := h.Recorder.Record(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, "Failed to record transaction", err)
		return
	}

	resp := RecordTransactionResponse{
		Transaction: toTransactionDTO(result.Transaction),
		Balance:     toBalanceDTO(result.Balance),
	}
	if result.Warning != nil {
		resp.Warning = result.Warning.String()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListTransactions returns the history for one tuple, oldest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("facility_id") == "" || q.Get("item_id") == "" {
		writeError(w, http.StatusBadRequest, "facility_id and item_id are required", nil)
		return
	}
	batchID, err := parseOptionalInt64(q.Get("batch_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch_id", err)
		return
	}

	key := ledger.BalanceKey{
		FacilityID: ledger.FacilityID(q.Get("facility_id")),
		StoreRoom:  q.Get("store_room"),
		ItemID:     ledger.ItemID(q.Get("item_id")),
		BatchID:    ledger.BatchID(batchID),
	}

	txns, err := h.Store.TransactionsForTuple(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txns))
	for i, t := range txns {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COUNT HANDLERS
// =============================================================================

// PostCount reconciles a physical count against the current balance.
func (h *Handler) PostCount(w http.ResponseWriter, r *http.Request) {
	var req PostCountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields", err)
		return
	}

	counted, err := decimal.NewFromString(req.Counted)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid counted quantity", err)
		return
	}

	result, err := h.Recorder.PostCountVariance(r.Context(), ledger.CountInput{
		FacilityID: ledger.FacilityID(req.FacilityID),
		StoreRoom:  req.StoreRoom,
		ItemID:     ledger.ItemID(req.ItemID),
		BatchID:    ledger.BatchID(req.BatchID),
		Counted:    counted,
		Unit:       req.Unit,
		CountedBy:  req.CountedBy,
		CountDate:  req.CountDate,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to post count", err)
		return
	}

	resp := PostCountResponse{
		Outcome: string(result.Outcome),
		Delta:   result.Delta.String(),
		Balance: toBalanceDTO(result.Balance),
	}
	if result.Transaction != nil {
		dto := toTransactionDTO(*result.Transaction)
		resp.Transaction = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListItems returns catalog items; ?active=true restricts to active ones.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	items, err := h.Store.ListItems(r.Context(), activeOnly)
	if err != nil {
		h.writeDomainError(w, "Failed to list items", err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpsertItems applies a batch of catalog entries from upstream.
func (h *Handler) UpsertItems(w http.ResponseWriter, r *http.Request) {
	var req UpsertItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields", err)
		return
	}

	items := make([]ledger.Item, len(req.Items))
	for i, dto := range req.Items {
		items[i] = ledger.Item{
			ID:       ledger.ItemID(dto.ID),
			Code:     dto.Code,
			Name:     dto.Name,
			Strength: dto.Strength,
			Form:     dto.Form,
			PackSize: dto.PackSize,
			Unit:     dto.Unit,
			Program:  dto.Program,
			Tracer:   dto.Tracer,
			GTIN:     dto.GTIN,
			Active:   dto.Active,
		}
	}

	applied, err := h.Catalog.Apply(r.Context(), items)
	if err != nil {
		h.writeDomainError(w, "Failed to upsert items", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// ListItemBatches returns the lots known for an item, soonest expiry first.
func (h *Handler) ListItemBatches(w http.ResponseWriter, r *http.Request) {
	itemID := ledger.ItemID(chi.URLParam(r, "id"))
	batches, err := h.Store.BatchesByItem(r.Context(), itemID)
	if err != nil {
		h.writeDomainError(w, "Failed to list batches", err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// METRIC HANDLERS
// =============================================================================

// GetItemMetrics returns SOH, AMC and MOS for one item in one call.
func (h *Handler) GetItemMetrics(w http.ResponseWriter, r *http.Request) {
	itemID := ledger.ItemID(chi.URLParam(r, "id"))
	ctx := r.Context()

	soh, err := h.Metrics.SOH(ctx, itemID)
	if err != nil {
		h.writeDomainError(w, "Failed to compute SOH", err)
		return
	}
	amc, err := h.Metrics.AMC(ctx, itemID, h.Metrics.Thresholds.AMCWindowMonths)
	if err != nil {
		h.writeDomainError(w, "Failed to compute AMC", err)
		return
	}
	mos, err := h.Metrics.MOS(ctx, itemID)
	if err != nil {
		h.writeDomainError(w, "Failed to compute MOS", err)
		return
	}

	writeJSON(w, http.StatusOK, ItemMetricsDTO{
		ItemID: string(itemID),
		SOH:    soh.String(),
		AMC:    toMetricDTO(amc),
		MOS:    toMetricDTO(mos),
	})
}

// GetItemAMC returns average monthly consumption; ?months=N overrides the
// configured window.
func (h *Handler) GetItemAMC(w http.ResponseWriter, r *http.Request) {
	itemID := ledger.ItemID(chi.URLParam(r, "id"))

	months := h.Metrics.Thresholds.AMCWindowMonths
	if s := r.URL.Query().Get("months"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid months", err)
			return
		}
		months = n
	}

	amc, err := h.Metrics.AMC(r.Context(), itemID, months)
	if err != nil {
		h.writeDomainError(w, "Failed to compute AMC", err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricDTO(amc))
}

// GetItemMOS returns months of stock; undefined when AMC is not positive.
func (h *Handler) GetItemMOS(w http.ResponseWriter, r *http.Request) {
	itemID := ledger.ItemID(chi.URLParam(r, "id"))
	mos, err := h.Metrics.MOS(r.Context(), itemID)
	if err != nil {
		h.writeDomainError(w, "Failed to compute MOS", err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricDTO(mos))
}

// GetItemBalances returns the per-tuple balance rows for an item.
func (h *Handler) GetItemBalances(w http.ResponseWriter, r *http.Request) {
	itemID := ledger.ItemID(chi.URLParam(r, "id"))
	balances, err := h.Store.BalancesByItem(r.Context(), itemID)
	if err != nil {
		h.writeDomainError(w, "Failed to list balances", err)
		return
	}
	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAlerts classifies every active item.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.Metrics.ListAlerts(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to compute alerts", err)
		return
	}
	dtos := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		dtos[i] = toAlertDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// RebuildBalance recomputes one tuple's balance from full history.
func (h *Handler) RebuildBalance(w http.ResponseWriter, r *http.Request) {
	var req RebuildBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields", err)
		return
	}

	key := ledger.BalanceKey{
		FacilityID: ledger.FacilityID(req.FacilityID),
		StoreRoom:  req.StoreRoom,
		ItemID:     ledger.ItemID(req.ItemID),
		BatchID:    ledger.BatchID(req.BatchID),
	}

	var balance ledger.StockBalance
	var warning *ledger.NegativeBalanceWarning
	err := h.Store.WithTx(r.Context(), func(s ledger.Store) error {
		var err error
		balance, warning, err = h.Recorder.Projector.Rebuild(r.Context(), s, key)
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to rebuild balance", err)
		return
	}

	resp := map[string]any{"balance": toBalanceDTO(balance)}
	if warning != nil {
		resp["warning"] = warning.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RRF HANDLERS
// =============================================================================

// CreateRrfDraft drafts a report-and-requisition form with computed lines.
func (h *Handler) CreateRrfDraft(w http.ResponseWriter, r *http.Request) {
	var req CreateRrfDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields", err)
		return
	}

	itemIDs := make([]ledger.ItemID, len(req.ItemIDs))
	for i, id := range req.ItemIDs {
		itemIDs[i] = ledger.ItemID(id)
	}

	result, err := h.Planner.BuildDraft(r.Context(),
		ledger.FacilityID(req.FacilityID), req.ProgramID, req.Period, itemIDs)
	if err != nil {
		h.writeDomainError(w, "Failed to create draft", err)
		return
	}

	writeJSON(w, http.StatusCreated, RrfDTO{
		Header: toRrfHeaderDTO(result.Header),
		Lines:  toRrfLineDTOs(result.Lines),
	})
}

// ListRrfs returns form headers, optionally filtered by ?status=.
func (h *Handler) ListRrfs(w http.ResponseWriter, r *http.Request) {
	status := ledger.RrfStatus(r.URL.Query().Get("status"))
	headers, err := h.Store.RrfHeadersByStatus(r.Context(), status)
	if err != nil {
		h.writeDomainError(w, "Failed to list forms", err)
		return
	}
	dtos := make([]RrfHeaderDTO, len(headers))
	for i, hd := range headers {
		dtos[i] = toRrfHeaderDTO(hd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRrf returns one form's header and lines.
func (h *Handler) GetRrf(w http.ResponseWriter, r *http.Request) {
	localID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form id", err)
		return
	}

	header, err := h.Store.GetRrfHeader(r.Context(), localID)
	if err != nil {
		h.writeDomainError(w, "Failed to get form", err)
		return
	}
	lines, err := h.Store.RrfLines(r.Context(), localID)
	if err != nil {
		h.writeDomainError(w, "Failed to get form lines", err)
		return
	}

	writeJSON(w, http.StatusOK, RrfDTO{
		Header: toRrfHeaderDTO(*header),
		Lines:  toRrfLineDTOs(lines),
	})
}

// TransitionRrf advances a form to the next status in the linear machine.
func (h *Handler) TransitionRrf(w http.ResponseWriter, r *http.Request) {
	localID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form id", err)
		return
	}

	var req RrfTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}

	header, err := h.Planner.Transition(r.Context(), localID, ledger.RrfStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, "Failed to transition form", err)
		return
	}
	writeJSON(w, http.StatusOK, toRrfHeaderDTO(*header))
}

func toRrfLineDTOs(lines []ledger.RrfLine) []RrfLineDTO {
	dtos := make([]RrfLineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = toRrfLineDTO(l)
	}
	return dtos
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// ListSyncQueue shows pending outbox entries without payloads.
func (h *Handler) ListSyncQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.PendingSync(r.Context(), 0)
	if err != nil {
		h.writeDomainError(w, "Failed to list sync queue", err)
		return
	}
	dtos := make([]SyncQueueItemDTO, len(items))
	for i, item := range items {
		dtos[i] = SyncQueueItemDTO{
			ID:        item.ID,
			Kind:      string(item.Kind),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
			Retries:   item.Retries,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DrainSyncQueue runs one manual drain pass against the uploader.
func (h *Handler) DrainSyncQueue(w http.ResponseWriter, r *http.Request) {
	acked, retried, err := h.Drainer.DrainOnce(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to drain sync queue", err)
		return
	}
	writeJSON(w, http.StatusOK, DrainResponse{Acked: acked, Retried: retried})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ResetDatabase wipes every collection. Dev/test only.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset database", err)
		return
	}
	h.Log.Warn("database reset via admin endpoint")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger error kinds onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func parseOptionalInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
