/*
rrf.go - Request-and-Resupply Form drafts

PURPOSE:
  Locally drafted RRF headers and lines pending remote submission. The
  local store only ever creates drafts; the status machine is linear
  (draft -> validated -> approved -> submitted) with no back-transitions,
  and the later transitions are driven by the remote workflow.

SUGGESTED ORDER QUANTITY:
  Each line carries the metrics the reviewer needs: SOH, AMC, pipeline,
  and a suggested order quantity of max(0, AMC*targetMOS - SOH - pipeline),
  rounded up to whole units. The final quantity starts at the suggestion
  and is edited by the requester.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS MACHINE
// =============================================================================

type RrfStatus string

const (
	RrfDraft     RrfStatus = "draft"
	RrfValidated RrfStatus = "validated"
	RrfApproved  RrfStatus = "approved"
	RrfSubmitted RrfStatus = "submitted"
)

// rrfNext encodes the linear progression. No back-transitions.
var rrfNext = map[RrfStatus]RrfStatus{
	RrfDraft:     RrfValidated,
	RrfValidated: RrfApproved,
	RrfApproved:  RrfSubmitted,
}

// CanTransitionTo reports whether next is the single legal successor.
func (s RrfStatus) CanTransitionTo(next RrfStatus) bool {
	return rrfNext[s] == next
}

// =============================================================================
// TYPES
// =============================================================================

// RrfHeader is a local draft header. Lines link to it via LocalID, not
// the eventual remote UUID.
type RrfHeader struct {
	LocalID    int64
	RemoteID   string // populated after submission upstream
	FacilityID FacilityID
	ProgramID  string
	Period     string // e.g. "2026-Q3"
	Status     RrfStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type RrfLine struct {
	LocalID    int64
	RrfLocalID int64
	ItemID     ItemID

	SOH       decimal.Decimal
	AMC       decimal.Decimal
	Pipeline  decimal.Decimal
	Suggested decimal.Decimal
	Final     decimal.Decimal
}

// SuggestedOrderQty computes max(0, amc*targetMOS - soh - pipeline),
// rounded up to whole units.
func SuggestedOrderQty(amc, targetMOS, soh, pipeline decimal.Decimal) decimal.Decimal {
	need := amc.Mul(targetMOS).Sub(soh).Sub(pipeline)
	if need.IsNegative() {
		return decimal.Zero
	}
	return need.Ceil()
}

// =============================================================================
// PLANNER - Builds drafts from the metric engine
// =============================================================================

// Planner drafts RRFs. It only ever writes status "draft"; transitions
// come later via Transition.
type Planner struct {
	Store   TxStore
	Metrics *Engine

	// TargetMOS is the stock level the resupply aims for, in months.
	TargetMOS decimal.Decimal

	Now func() time.Time
}

func NewPlanner(store TxStore, metrics *Engine) *Planner {
	return &Planner{
		Store:     store,
		Metrics:   metrics,
		TargetMOS: metrics.Thresholds.MaxMOS,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// DraftResult is a freshly drafted header with its lines.
type DraftResult struct {
	Header RrfHeader
	Lines  []RrfLine
}

// BuildDraft creates a draft RRF for the given items, computing SOH, AMC
// and suggested quantities per line, and enqueues the draft for sync.
func (p *Planner) BuildDraft(ctx context.Context, facility FacilityID, programID, period string, itemIDs []ItemID) (*DraftResult, error) {
	if facility == "" {
		return nil, &ValidationError{Field: "facility_id", Message: "required"}
	}
	if period == "" {
		return nil, &ValidationError{Field: "period", Message: "required"}
	}
	if len(itemIDs) == 0 {
		return nil, &ValidationError{Field: "items", Message: "at least one item required"}
	}

	result := &DraftResult{}
	err := p.Store.WithTx(ctx, func(s Store) error {
		now := p.Now()
		header := &RrfHeader{
			FacilityID: facility,
			ProgramID:  programID,
			Period:     period,
			Status:     RrfDraft,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.PutRrfHeader(ctx, header); err != nil {
			return err
		}

		lines := make([]RrfLine, 0, len(itemIDs))
		for _, itemID := range itemIDs {
			soh, err := p.Metrics.SOH(ctx, itemID)
			if err != nil {
				return err
			}
			amcMetric, err := p.Metrics.AMC(ctx, itemID, p.Metrics.Thresholds.AMCWindowMonths)
			if err != nil {
				return err
			}
			amc := decimal.Zero
			if amcMetric.Defined {
				amc = amcMetric.Value
			}

			suggested := SuggestedOrderQty(amc, p.TargetMOS, soh, decimal.Zero)
			line := &RrfLine{
				RrfLocalID: header.LocalID,
				ItemID:     itemID,
				SOH:        soh,
				AMC:        amc,
				Suggested:  suggested,
				Final:      suggested,
			}
			if err := s.PutRrfLine(ctx, line); err != nil {
				return err
			}
			lines = append(lines, *line)
		}

		if err := EnqueueRrf(ctx, s, *header, lines); err != nil {
			return err
		}

		result.Header = *header
		result.Lines = lines
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Transition advances a header to the next status. Only the single legal
// successor is accepted; anything else is ErrInvalidStatusTransition.
func (p *Planner) Transition(ctx context.Context, localID int64, next RrfStatus) (*RrfHeader, error) {
	var updated *RrfHeader
	err := p.Store.WithTx(ctx, func(s Store) error {
		header, err := s.GetRrfHeader(ctx, localID)
		if err != nil {
			return err
		}
		if !header.Status.CanTransitionTo(next) {
			return ErrInvalidStatusTransition
		}
		header.Status = next
		header.UpdatedAt = p.Now()
		if err := s.PutRrfHeader(ctx, header); err != nil {
			return err
		}
		updated = header
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
