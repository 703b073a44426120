package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/service"
)

// lineLog appends single-line records to a file, creating its directory on
// first use.
type lineLog struct {
	path string
	mu   sync.Mutex
}

func (l *lineLog) append(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func seatList(seats []string) string {
	return "[" + strings.Join(seats, ",") + "]"
}

// TicketLogHandler writes one line per confirmed reservation to
// dir/tickets.log. Ticket rendering happens downstream of this file.
func TicketLogHandler(dir string) Handler {
	l := &lineLog{path: filepath.Join(dir, "tickets.log")}
	return func(_ context.Context, body []byte) error {
		var ev ReservationEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.ReservationID == "" {
			return fmt.Errorf("%w: missing reservation_id", ErrMalformed)
		}
		line := fmt.Sprintf("[%s] Ticket issued | reservation_id=%s | claimant_id=%s | show_id=%s | total=%d cents | payment_ref=%s | seats=%s\n",
			ev.OccurredAt, ev.ReservationID, ev.ClaimantID, ev.ShowID, ev.AmountCents, ev.PaymentRef, seatList(ev.Seats))
		return l.append(line)
	}
}

// AnomalyLogHandler writes one line per payment anomaly to
// dir/anomalies.log for operators.
func AnomalyLogHandler(dir string) Handler {
	l := &lineLog{path: filepath.Join(dir, "anomalies.log")}
	return func(_ context.Context, body []byte) error {
		var ev AnomalyEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.ReservationID == "" {
			return fmt.Errorf("%w: missing reservation_id", ErrMalformed)
		}
		line := fmt.Sprintf("[%s] Payment anomaly | reservation_id=%s | claimant_id=%s | show_id=%s | payment_ref=%s | reason=%q\n",
			ev.DetectedAt, ev.ReservationID, ev.ClaimantID, ev.ShowID, ev.PaymentRef, ev.Reason)
		return l.append(line)
	}
}

// Confirmer confirms a reservation after payment. service.Lifecycle
// implements it.
type Confirmer interface {
	Confirm(ctx context.Context, id model.ReservationID, paymentRef string) (*model.Reservation, error)
}

// PaymentHandler confirms reservations for payment.completed messages.
// Duplicates and payments that arrived after expiry are acked: the first is
// a no-op and the second has already been reported as an anomaly.
func PaymentHandler(c Confirmer, log *zap.Logger) Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, body []byte) error {
		var ev PaymentCompletedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.ReservationID == "" || ev.PaymentRef == "" {
			return fmt.Errorf("%w: reservation_id and payment_ref are required", ErrMalformed)
		}
		if ev.Status != "" && ev.Status != "succeeded" {
			log.Info("ignoring unsuccessful payment",
				zap.String("reservation_id", ev.ReservationID), zap.String("status", ev.Status))
			return nil
		}

		_, err := c.Confirm(ctx, model.ReservationID(ev.ReservationID), ev.PaymentRef)
		switch {
		case err == nil, service.IsIdempotentSuccess(err):
			return nil
		case errors.Is(err, service.ErrReservationExpired):
			log.Warn("payment for expired reservation",
				zap.String("reservation_id", ev.ReservationID), zap.String("payment_ref", ev.PaymentRef))
			return nil
		case errors.Is(err, service.ErrReservationNotFound):
			return fmt.Errorf("%w: unknown reservation %s", ErrMalformed, ev.ReservationID)
		default:
			return err
		}
	}
}
