package model

import "time"

// PaymentAnomaly is raised when a payment arrives for a reservation that is
// no longer confirmable. Operators reconcile these by hand.
type PaymentAnomaly struct {
	ReservationID ReservationID `json:"reservation_id"`
	ShowID        ShowID        `json:"show_id"`
	ClaimantID    ClaimantID    `json:"claimant_id"`
	PaymentRef    string        `json:"payment_ref"`
	Reason        string        `json:"reason"`
	DetectedAt    time.Time     `json:"detected_at"`
}
