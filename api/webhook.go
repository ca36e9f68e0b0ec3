package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/payment"
	"go.uber.org/zap"
)

type callbackAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// GatewayCallback receives the gateway's payment notifications.
// POST /api/gateway/callback
//
// The body is authenticated with its HMAC signature before it is parsed.
// An event that cannot be reconciled is recorded as an incident and still
// acknowledged with 200, so the gateway stops redelivering it. Any other
// failure answers 5xx and the gateway retries.
func (h *Handler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable body", err)
		return
	}
	if err := payment.VerifySignature(h.callbackKey, body, r.Header.Get(payment.SignatureHeader)); err != nil {
		h.logger.Warn("callback rejected",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote", r.RemoteAddr),
		)
		h.fail(w, r, err)
		return
	}
	if ev := r.Header.Get(payment.EventHeader); ev != "" && ev != payment.PaymentStatus {
		writeJSON(w, http.StatusOK, callbackAck{Success: true, Message: "event ignored"})
		return
	}

	ev, err := payment.ParseCallback(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	err = h.callbacks.Dispatch(r.Context(), "webhook", ev)
	var rec *core.ReconciliationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, callbackAck{Success: true})
	case errors.As(err, &rec):
		writeJSON(w, http.StatusOK, callbackAck{Success: true, Message: "incident recorded: " + rec.Reason})
	default:
		h.fail(w, r, err)
	}
}
