package domain

import "time"

// EventType names a ledger event.
type EventType string

const (
	EventAddLiquidity       EventType = "add_liquidity"
	EventRemoveLiquidity    EventType = "remove_liquidity"
	EventOpenPosition       EventType = "open_position"
	EventUpdatePosition     EventType = "update_position"
	EventComputationQueued  EventType = "computation_queued"
	EventPositionOpened     EventType = "position_opened"
	EventPositionUpdated    EventType = "position_updated"
	EventPnlCalculated      EventType = "pnl_calculated"
	EventPositionClosed     EventType = "position_closed"
	EventPositionLiquidated EventType = "position_liquidated"
	EventComputationFailed  EventType = "computation_failed"
)

// Finalizes reports whether events of this type resolve a computation.
func (t EventType) Finalizes() bool {
	switch t {
	case EventPositionOpened, EventPositionUpdated, EventPnlCalculated,
		EventPositionClosed, EventPositionLiquidated, EventComputationFailed:
		return true
	}
	return false
}

// Queues reports whether events of this type announce a newly queued
// computation.
func (t EventType) Queues() bool {
	switch t {
	case EventOpenPosition, EventUpdatePosition, EventComputationQueued:
		return true
	}
	return false
}

// QueueingEventTypes lists every event type for which Queues is true.
func QueueingEventTypes() []EventType {
	return []EventType{EventOpenPosition, EventUpdatePosition, EventComputationQueued}
}

// Event is an entry of the ledger's append-only event log. Amounts are
// plaintext values the protocol chose to reveal.
type Event struct {
	ID       string            `json:"id"`
	Seq      uint64            `json:"seq"`
	Type     EventType         `json:"type"`
	Offset   uint64            `json:"offset,omitempty"`
	Kind     ComputationKind   `json:"kind,omitempty"`
	Status   ComputationStatus `json:"status"`
	Position Pubkey            `json:"position,omitempty"`
	Custody  Pubkey            `json:"custody,omitempty"`
	Owner    Pubkey            `json:"owner,omitempty"`
	Nonce    Nonce             `json:"nonce"`
	Reason   string            `json:"reason,omitempty"`

	Profit         uint64 `json:"profit,omitempty"`
	Loss           uint64 `json:"loss,omitempty"`
	Leverage       uint64 `json:"leverage,omitempty"`
	TransferAmount uint64 `json:"transfer_amount,omitempty"`
	FeeAmount      uint64 `json:"fee_amount,omitempty"`
	RewardAmount   uint64 `json:"reward_amount,omitempty"`
	OwnerAmount    uint64 `json:"owner_amount,omitempty"`
	Amount         uint64 `json:"amount,omitempty"`
	LPAmount       uint64 `json:"lp_amount,omitempty"`

	Time time.Time `json:"time"`
}

// Finalization extracts the computation outcome carried by a finalizing
// event.
func (e Event) Finalization() (Finalization, bool) {
	if !e.Type.Finalizes() {
		return Finalization{}, false
	}
	f := Finalization{
		Offset:     e.Offset,
		Kind:       e.Kind,
		Position:   e.Position,
		Status:     e.Status,
		Reason:     e.Reason,
		Nonce:      e.Nonce,
		ResolvedAt: e.Time,
	}
	if e.Status == StatusFinalized {
		f.Outputs = &Outputs{
			Profit:         e.Profit,
			Loss:           e.Loss,
			Leverage:       e.Leverage,
			TransferAmount: e.TransferAmount,
			FeeAmount:      e.FeeAmount,
			Liquidatable:   e.Type == EventPositionLiquidated,
			RewardAmount:   e.RewardAmount,
			OwnerAmount:    e.OwnerAmount,
		}
	}
	return f, true
}
