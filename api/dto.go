/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

QUANTITIES:
  All quantities cross the wire as strings ("12.5"), never JSON numbers.
  Float64 JSON numbers would reintroduce the precision problems
  decimal.Decimal exists to avoid.

VALIDATION:
  Structural validation (required fields, enum membership) uses
  go-playground/validator struct tags, checked in handlers. Domain
  validation (positive quantities, date parsing, batch resolution) stays
  in the ledger package.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/recorder.go: TransactionInput, CountInput
*/
package api

import (
	"time"

	"github.com/medsupply/stock-engine/ledger"
)

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// RecordTransactionRequest is the request to record a stock movement.
type RecordTransactionRequest struct {
	Type       string `json:"type" validate:"required"`
	FacilityID string `json:"facility_id" validate:"required"`
	StoreRoom  string `json:"store_room,omitempty"`
	ItemID     string `json:"item_id" validate:"required"`
	BatchID    int64  `json:"batch_id,omitempty"`

	// Receipts may introduce a new lot instead of referencing a batch id.
	LotCode      string `json:"lot_code,omitempty"`
	ExpiryDate   string `json:"expiry_date,omitempty"` // YYYY-MM-DD
	Manufacturer string `json:"manufacturer,omitempty"`

	Quantity string `json:"quantity" validate:"required"`
	Unit     string `json:"unit,omitempty"`

	Reason      string `json:"reason,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`

	TxnAt      string `json:"txn_at,omitempty"` // RFC 3339 or YYYY-MM-DD; empty = today
	RecordedBy string `json:"recorded_by,omitempty"`

	FEFOOverride       bool   `json:"fefo_override,omitempty"`
	FEFOOverrideReason string `json:"fefo_override_reason,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID          string `json:"id"`
	RemoteID    string `json:"remote_id,omitempty"`
	Type        string `json:"type"`
	FacilityID  string `json:"facility_id"`
	StoreRoom   string `json:"store_room,omitempty"`
	ItemID      string `json:"item_id"`
	BatchID     int64  `json:"batch_id,omitempty"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`
	TxnAt       string `json:"txn_at"`
	RecordedBy  string `json:"recorded_by,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// RecordTransactionResponse carries the recorded transaction, the updated
// balance, and a clamp warning when the movement drove the balance to zero.
type RecordTransactionResponse struct {
	Transaction TransactionDTO  `json:"transaction"`
	Balance     BalanceDTO      `json:"balance"`
	Warning     string          `json:"warning,omitempty"`
}

// =============================================================================
// COUNT / VARIANCE TYPES
// =============================================================================

// PostCountRequest submits a physical count for a tuple.
type PostCountRequest struct {
	FacilityID string `json:"facility_id" validate:"required"`
	StoreRoom  string `json:"store_room,omitempty"`
	ItemID     string `json:"item_id" validate:"required"`
	BatchID    int64  `json:"batch_id,omitempty"`
	Counted    string `json:"counted" validate:"required"`
	Unit       string `json:"unit,omitempty"`
	CountedBy  string `json:"counted_by,omitempty"`
	CountDate  string `json:"count_date,omitempty"`
}

// PostCountResponse reports whether the count was a no-op or produced an
// adjustment.
type PostCountResponse struct {
	Outcome     string          `json:"outcome"` // "no_op" | "adjusted"
	Delta       string          `json:"delta"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Balance     BalanceDTO      `json:"balance"`
}

// =============================================================================
// BALANCE TYPES
// =============================================================================

// BalanceDTO represents stock on hand for one tuple.
type BalanceDTO struct {
	FacilityID string `json:"facility_id"`
	StoreRoom  string `json:"store_room,omitempty"`
	ItemID     string `json:"item_id"`
	BatchID    int64  `json:"batch_id,omitempty"`
	OnHand     string `json:"on_hand"`
	LastTxnAt  string `json:"last_txn_at,omitempty"`
}

// RebuildBalanceRequest asks for a full recomputation of one tuple's
// balance from its transaction history.
type RebuildBalanceRequest struct {
	FacilityID string `json:"facility_id" validate:"required"`
	StoreRoom  string `json:"store_room,omitempty"`
	ItemID     string `json:"item_id" validate:"required"`
	BatchID    int64  `json:"batch_id,omitempty"`
}

// =============================================================================
// METRIC TYPES
// =============================================================================

// MetricDTO is a decimal value that may be undefined. Undefined metrics
// serialize with defined=false and no value, never as 0.
type MetricDTO struct {
	Value   string `json:"value,omitempty"`
	Defined bool   `json:"defined"`
}

// ItemMetricsDTO bundles the dashboard numbers for one item.
type ItemMetricsDTO struct {
	ItemID string    `json:"item_id"`
	SOH    string    `json:"soh"`
	AMC    MetricDTO `json:"amc"`
	MOS    MetricDTO `json:"mos"`
}

// AlertDTO is one classification for one item.
type AlertDTO struct {
	Kind   string    `json:"kind"`
	ItemID string    `json:"item_id"`
	SOH    string    `json:"soh"`
	MOS    MetricDTO `json:"mos"`
	Batch  *BatchDTO `json:"batch,omitempty"`
}

// =============================================================================
// CATALOG TYPES
// =============================================================================

// ItemDTO represents a catalog item.
type ItemDTO struct {
	ID       string `json:"id" validate:"required"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Strength string `json:"strength,omitempty"`
	Form     string `json:"form,omitempty"`
	PackSize string `json:"pack_size,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Program  string `json:"program,omitempty"`
	Tracer   bool   `json:"tracer,omitempty"`
	GTIN     string `json:"gtin,omitempty"`
	Active   bool   `json:"active"`
}

// UpsertItemsRequest applies a batch of catalog entries from upstream.
type UpsertItemsRequest struct {
	Items []ItemDTO `json:"items" validate:"required,min=1,dive"`
}

// BatchDTO represents a lot.
type BatchDTO struct {
	ID           int64  `json:"id"`
	ItemID       string `json:"item_id"`
	LotCode      string `json:"lot_code"`
	ExpiryDate   string `json:"expiry_date,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// =============================================================================
// RRF TYPES
// =============================================================================

// CreateRrfDraftRequest drafts a report-and-requisition form.
type CreateRrfDraftRequest struct {
	FacilityID string   `json:"facility_id" validate:"required"`
	ProgramID  string   `json:"program_id,omitempty"`
	Period     string   `json:"period" validate:"required"`
	ItemIDs    []string `json:"item_ids" validate:"required,min=1"`
}

// RrfTransitionRequest advances a form to the next status.
type RrfTransitionRequest struct {
	Status string `json:"status" validate:"required,oneof=validated approved submitted"`
}

// RrfHeaderDTO represents a form header.
type RrfHeaderDTO struct {
	LocalID    int64  `json:"local_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	FacilityID string `json:"facility_id"`
	ProgramID  string `json:"program_id,omitempty"`
	Period     string `json:"period"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// RrfLineDTO represents one item line on a form.
type RrfLineDTO struct {
	LocalID   int64  `json:"local_id"`
	ItemID    string `json:"item_id"`
	SOH       string `json:"soh"`
	AMC       string `json:"amc"`
	Pipeline  string `json:"pipeline"`
	Suggested string `json:"suggested"`
	Final     string `json:"final"`
}

// RrfDTO is a header with its lines.
type RrfDTO struct {
	Header RrfHeaderDTO `json:"header"`
	Lines  []RrfLineDTO `json:"lines"`
}

// =============================================================================
// SYNC QUEUE TYPES
// =============================================================================

// SyncQueueItemDTO is a read-only view of one pending outbox entry.
type SyncQueueItemDTO struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
	Retries   int    `json:"retries"`
}

// DrainResponse reports one manual drain pass.
type DrainResponse struct {
	Acked   int `json:"acked"`
	Retried int `json:"retried"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(t.ID),
		RemoteID:    t.RemoteID,
		Type:        string(t.Type),
		FacilityID:  string(t.FacilityID),
		StoreRoom:   t.StoreRoom,
		ItemID:      string(t.ItemID),
		BatchID:     int64(t.BatchID),
		Quantity:    t.Quantity.String(),
		Unit:        t.Unit,
		Reason:      t.Reason,
		Source:      t.Source,
		Destination: t.Destination,
		DocumentRef: t.DocumentRef,
		TxnAt:       t.TxnAt.Format(time.RFC3339),
		RecordedBy:  t.RecordedBy,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
}

func toBalanceDTO(b ledger.StockBalance) BalanceDTO {
	dto := BalanceDTO{
		FacilityID: string(b.Key.FacilityID),
		StoreRoom:  b.Key.StoreRoom,
		ItemID:     string(b.Key.ItemID),
		BatchID:    int64(b.Key.BatchID),
		OnHand:     b.OnHand.String(),
	}
	if !b.LastTxnAt.IsZero() {
		dto.LastTxnAt = b.LastTxnAt.Format(time.RFC3339)
	}
	return dto
}

func toMetricDTO(m ledger.Metric) MetricDTO {
	if !m.Defined {
		return MetricDTO{Defined: false}
	}
	return MetricDTO{Value: m.Value.String(), Defined: true}
}

func toAlertDTO(a ledger.Alert) AlertDTO {
	dto := AlertDTO{
		Kind:   string(a.Kind),
		ItemID: string(a.ItemID),
		SOH:    a.SOH.String(),
		MOS:    toMetricDTO(a.MOS),
	}
	if a.Batch != nil {
		b := toBatchDTO(*a.Batch)
		dto.Batch = &b
	}
	return dto
}

func toBatchDTO(b ledger.Batch) BatchDTO {
	dto := BatchDTO{
		ID:           int64(b.ID),
		ItemID:       string(b.ItemID),
		LotCode:      b.LotCode,
		Manufacturer: b.Manufacturer,
	}
	if !b.ExpiryDate.IsZero() {
		dto.ExpiryDate = b.ExpiryDate.Format("2006-01-02")
	}
	return dto
}

func toRrfHeaderDTO(h ledger.RrfHeader) RrfHeaderDTO {
	return RrfHeaderDTO{
		LocalID:    h.LocalID,
		RemoteID:   h.RemoteID,
		FacilityID: string(h.FacilityID),
		ProgramID:  h.ProgramID,
		Period:     h.Period,
		Status:     string(h.Status),
		CreatedAt:  h.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  h.UpdatedAt.Format(time.RFC3339),
	}
}

func toRrfLineDTO(l ledger.RrfLine) RrfLineDTO {
	return RrfLineDTO{
		LocalID:   l.LocalID,
		ItemID:    string(l.ItemID),
		SOH:       l.SOH.String(),
		AMC:       l.AMC.String(),
		Pipeline:  l.Pipeline.String(),
		Suggested: l.Suggested.String(),
		Final:     l.Final.String(),
	}
}

func toItemDTO(i ledger.Item) ItemDTO {
	return ItemDTO{
		ID:       string(i.ID),
		Code:     i.Code,
		Name:     i.Name,
		Strength: i.Strength,
		Form:     i.Form,
		PackSize: i.PackSize,
		Unit:     i.Unit,
		Program:  i.Program,
		Tracer:   i.Tracer,
		GTIN:     i.GTIN,
		Active:   i.Active,
	}
}
