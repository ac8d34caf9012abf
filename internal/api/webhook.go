package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"arbitrage-core/internal/arbitrage"
	"arbitrage-core/internal/command"
	"arbitrage-core/internal/session"
	"arbitrage-core/internal/signal"
	"arbitrage-core/pkg/exchanges/common"
)

const signalProcessed = "Signal processed successfully"

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "code": code, "error": msg})
}

// tradingViewWebhook normalizes a TradingView alert and runs it through the synchronizer.
// The protocol runs on a context detached from the request so a dropped client cannot
// abort a half executed trade; venue calls carry their own timeouts.
func (s *Server) tradingViewWebhook(c *gin.Context) {
	if s.opts.Signals == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "signal handling is not available")
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "could not read request body")
		return
	}
	payload, err := signal.ParsePayload(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	sig, err := signal.Normalize(payload, signal.Options{Pairs: s.opts.Pairs, Secret: s.opts.WebhookSecret})
	if err != nil {
		status, code := classify(err)
		respondError(c, status, code, err.Error())
		return
	}

	log := s.log.With().Str("request_id", c.GetString("RequestID")).Stringer("signal", sig).Logger()
	log.Info().Msg("signal received")

	res, err := s.opts.Signals.Handle(context.WithoutCancel(c.Request.Context()), sig)
	if err != nil {
		status, code := classify(err)
		log.Warn().Err(err).Int("status", status).Str("code", code).Msg("signal failed")
		body := gin.H{"success": false, "code": code, "error": err.Error()}
		if res != nil {
			body["result"] = res
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": signalProcessed, "result": res})
}

// classify maps domain errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	var (
		ve *signal.ValidationError
		pf *arbitrage.PartialFailureError
		lf *arbitrage.LegsFailedError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "INVALID_SIGNAL"
	case errors.Is(err, signal.ErrBadPassphrase):
		return http.StatusUnauthorized, "BAD_PASSPHRASE"
	case errors.As(err, &pf):
		return http.StatusBadGateway, "PARTIAL_FAILURE"
	case errors.As(err, &lf):
		return http.StatusBadGateway, "LEGS_FAILED"
	case errors.Is(err, arbitrage.ErrUnknownAction):
		return http.StatusBadRequest, "UNKNOWN_ACTION"
	case errors.Is(err, session.ErrSymbolUnresolved):
		return http.StatusBadRequest, "SYMBOL_UNRESOLVED"
	case errors.Is(err, arbitrage.ErrAlreadyOpen):
		return http.StatusConflict, "ALREADY_OPEN"
	case errors.Is(err, arbitrage.ErrNothingToClose):
		return http.StatusConflict, "NOTHING_TO_CLOSE"
	case errors.Is(err, session.ErrSessionNotReady),
		errors.Is(err, session.ErrSessionLost),
		errors.Is(err, command.ErrTransportClosed):
		return http.StatusServiceUnavailable, "SESSION_NOT_READY"
	case errors.Is(err, common.ErrRateLimited):
		return http.StatusTooManyRequests, "VENUE_RATE_LIMITED"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, command.ErrCommandTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusBadGateway, "VENUE_ERROR"
	}
}
