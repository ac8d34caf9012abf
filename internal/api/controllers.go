package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"arbitrage-core/pkg/exchanges/common"
)

func (s *Server) getSession(c *gin.Context) {
	if s.opts.Session == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "session is not configured")
		return
	}
	snap := s.opts.Session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":      snap.StateName,
		"ready":      snap.State.Ready(),
		"account_id": snap.AccountID,
		"symbols":    snap.Symbols,
		"error":      snap.Error,
		"since":      snap.Since,
		"instance":   s.opts.Instance,
	})
}

func (s *Server) resetSession(c *gin.Context) {
	if s.opts.Session == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "session is not configured")
		return
	}
	s.log.Warn().Str("operator", CurrentOperator(c)).Msg("session reset via api")
	s.opts.Session.Reset()
	c.JSON(http.StatusAccepted, gin.H{"success": true, "state": s.opts.Session.Snapshot().StateName})
}

// getPositions returns both venues' positions for ?pair= or ?alor=&ctrader=.
func (s *Server) getPositions(c *gin.Context) {
	if s.opts.Alor == nil || s.opts.Ctrader == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "venues are not configured")
		return
	}
	alorSym, ctraderSym := c.Query("alor"), c.Query("ctrader")
	if name := c.Query("pair"); name != "" {
		p, ok := s.opts.Pairs.Lookup(name)
		if !ok {
			respondError(c, http.StatusNotFound, "UNKNOWN_PAIR", "pair "+name+" is not configured")
			return
		}
		alorSym, ctraderSym = p.Alor, p.Ctrader
	}
	if alorSym == "" || ctraderSym == "" {
		respondError(c, http.StatusBadRequest, "MISSING_SYMBOL", "pair or both alor and ctrader are required")
		return
	}

	var alorPos, ctraderPos []common.Position
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() (err error) {
		alorPos, err = s.opts.Alor.PositionsFor(ctx, alorSym)
		return err
	})
	g.Go(func() (err error) {
		ctraderPos, err = s.opts.Ctrader.PositionsFor(ctx, ctraderSym)
		return err
	})
	if err := g.Wait(); err != nil {
		status, code := classify(err)
		respondError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alor":        nonNil(alorPos),
		"ctrader":     nonNil(ctraderPos),
		"alor_net":    common.NetQuantity(alorPos),
		"ctrader_net": common.NetQuantity(ctraderPos),
	})
}

func nonNil(ps []common.Position) []common.Position {
	if ps == nil {
		return []common.Position{}
	}
	return ps
}

// runAudit runs the exposure audit now. It waits for the exclusive section.
func (s *Server) runAudit(c *gin.Context) {
	if s.opts.Auditor == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "audit is not configured")
		return
	}
	report, err := s.opts.Auditor.Audit(c.Request.Context())
	if err != nil {
		status, code := classify(err)
		respondError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.opts.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "metrics are not configured")
		return
	}
	c.JSON(http.StatusOK, s.opts.Metrics.GetSnapshot())
}

// ctraderCallback receives the OAuth redirect and hands the code to the waiting session.
func (s *Server) ctraderCallback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		s.log.Error().Str("error", e).Str("description", c.Query("error_description")).Msg("ctrader authorization denied")
		c.String(http.StatusBadRequest, "cTrader authorization failed: %s", e)
		return
	}
	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "missing code")
		return
	}
	if s.opts.Codes == nil || !s.opts.Codes.Deliver(code) {
		c.String(http.StatusConflict, "authorization code not expected right now")
		return
	}
	s.log.Info().Msg("ctrader authorization code received")
	c.String(http.StatusOK, "cTrader authorization received. You can close this window.")
}
