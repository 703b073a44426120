package model

// ShowID identifies a single screening. Values are opaque to this service.
type ShowID string

// ReservationID identifies a reservation. New reservations receive a UUIDv4.
type ReservationID string

// ClaimantID identifies the shopper who owns a reservation, as asserted by
// the identity provider (the JWT subject).
type ClaimantID string

func (id ShowID) String() string        { return string(id) }
func (id ReservationID) String() string { return string(id) }
func (id ClaimantID) String() string    { return string(id) }
