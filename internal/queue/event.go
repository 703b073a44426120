// Package queue defines message payloads exchanged over the message broker
// together with the publisher and the background consumers.
package queue

import (
	"time"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// Queue names. Every queue is durable and receives persistent JSON messages
// through the default exchange.
const (
	QueueReservationConfirmed = "reservation.confirmed"
	QueueReservationCancelled = "reservation.cancelled"
	QueueReservationAnomaly   = "reservation.anomaly"
	QueuePaymentCompleted     = "payment.completed"
)

// ReservationEvent is published when a reservation reaches CONFIRMED or
// CANCELLED. It carries enough for ticket issuance and notification dispatch
// without a lookup against the primary store.
type ReservationEvent struct {
	ReservationID string   `json:"reservation_id"`
	ShowID        string   `json:"show_id"`
	ClaimantID    string   `json:"claimant_id"`
	Seats         []string `json:"seats"`
	AmountCents   int64    `json:"amount_cents"`
	Status        string   `json:"status"`
	PaymentRef    string   `json:"payment_ref,omitempty"`
	CancelReason  string   `json:"cancel_reason,omitempty"`
	OccurredAt    string   `json:"occurred_at"`
}

// NewReservationEvent builds the event for r.
func NewReservationEvent(r *model.Reservation) ReservationEvent {
	ev := ReservationEvent{
		ReservationID: string(r.ID),
		ShowID:        string(r.ShowID),
		ClaimantID:    string(r.ClaimantID),
		Seats:         append([]string(nil), r.SeatIDs...),
		AmountCents:   r.AmountCents,
		Status:        r.Status,
		CancelReason:  r.CancelReason,
		OccurredAt:    r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.PaymentRef != nil {
		ev.PaymentRef = *r.PaymentRef
	}
	return ev
}

// AnomalyEvent reports a payment that arrived for a reservation that had
// already lost its seats. Operators settle these by hand.
type AnomalyEvent struct {
	ReservationID string `json:"reservation_id"`
	ShowID        string `json:"show_id"`
	ClaimantID    string `json:"claimant_id"`
	PaymentRef    string `json:"payment_ref"`
	Reason        string `json:"reason"`
	DetectedAt    string `json:"detected_at"`
}

// NewAnomalyEvent builds the event for a.
func NewAnomalyEvent(a model.PaymentAnomaly) AnomalyEvent {
	return AnomalyEvent{
		ReservationID: string(a.ReservationID),
		ShowID:        string(a.ShowID),
		ClaimantID:    string(a.ClaimantID),
		PaymentRef:    a.PaymentRef,
		Reason:        a.Reason,
		DetectedAt:    a.DetectedAt.UTC().Format(time.RFC3339),
	}
}

// PaymentCompletedEvent is produced by the payment provider integration.
type PaymentCompletedEvent struct {
	ReservationID string `json:"reservation_id"`
	PaymentRef    string `json:"payment_ref"`
	Status        string `json:"status"`
}
