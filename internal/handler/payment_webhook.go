package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/service"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Payment-Signature"

const maxWebhookBody = 64 << 10

// PaymentWebhook receives payment callbacks from the payment provider.
type PaymentWebhook struct {
	Lifecycle *service.Lifecycle
	Secret    []byte
	Log       *zap.Logger
}

// NewPaymentWebhook returns the webhook handler. An empty secret rejects
// every callback.
func NewPaymentWebhook(lc *service.Lifecycle, secret string, log *zap.Logger) *PaymentWebhook {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentWebhook{Lifecycle: lc, Secret: []byte(secret), Log: log}
}

// Sign returns the signature the provider sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *PaymentWebhook) verify(body []byte, sig string) bool {
	if len(h.Secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.Secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Handle serves POST /v1/payments/webhook. Payments for reservations that
// already expired are acknowledged with anomaly=true so the provider stops
// retrying; the anomaly itself is reported by the lifecycle.
func (h *PaymentWebhook) Handle(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if !h.verify(body, c.Request().Header.Get(SignatureHeader)) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	}

	var ev struct {
		ReservationID string `json:"reservation_id"`
		PaymentRef    string `json:"payment_ref"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if ev.ReservationID == "" || ev.PaymentRef == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reservation_id and payment_ref are required"})
	}
	if ev.Status != "succeeded" {
		h.Log.Info("payment webhook ignored",
			zap.String("reservation_id", ev.ReservationID), zap.String("status", ev.Status))
		return c.JSON(http.StatusOK, echo.Map{"ignored": true})
	}

	res, err := h.Lifecycle.Confirm(c.Request().Context(), model.ReservationID(ev.ReservationID), ev.PaymentRef)
	switch {
	case err == nil, service.IsIdempotentSuccess(err):
		return c.JSON(http.StatusOK, echo.Map{"reservation": toView(res), "anomaly": false})
	case errors.Is(err, service.ErrReservationExpired):
		return c.JSON(http.StatusOK, echo.Map{"reservation": toView(res), "anomaly": true})
	}
	return serviceError(c, err)
}
