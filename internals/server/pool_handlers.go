package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zarlabs/zar/internals/attribution"
	"github.com/zarlabs/zar/internals/events"
	"github.com/zarlabs/zar/internals/identity"
	"github.com/zarlabs/zar/internals/numberpool"
	"github.com/zarlabs/zar/internals/userctx"
	"github.com/zarlabs/zar/utils"
)

type numberPoolBody struct {
	Key        string                 `json:"key"`
	PoolID     int                    `json:"pool_id"`
	Number     string                 `json:"number"`
	Context    map[string]interface{} `json:"context"`
	Properties map[string]interface{} `json:"properties"`
}

func (b *numberPoolBody) isBot() bool {
	if b.Properties == nil {
		return false
	}
	bot, _ := b.Properties["is_bot"].(bool)
	return bot
}

func (b *numberPoolBody) zarBlock() map[string]interface{} {
	if b.Properties == nil {
		return nil
	}
	block, _ := b.Properties["zar"].(map[string]interface{})
	return block
}

// poolRequestContext is the context attached to a lease: the session's
// identity plus headers, with the page payload as latest_context and as the
// current visit's entry (renewal dict-merges visits across calls).
func poolRequestContext(ids *identity.IDSet, poolCtx map[string]interface{}, h utils.HeaderParams) numberpool.RequestContext {
	if poolCtx == nil {
		poolCtx = map[string]interface{}{}
	}
	var origReferrer string
	if ids.SID != nil {
		origReferrer = ids.SID.OrigReferrer
	}
	return numberpool.RequestContext{
		"sid":                  ids.SIDString(),
		"sid_original_referer": origReferrer,
		"ip":                   h.IP,
		"user_agent":           h.UserAgent,
		"referer":              h.Referer,
		"host":                 h.Host,
		"latest_context":       poolCtx,
		"visits":               map[string]interface{}{ids.VIDString(): poolCtx},
	}
}

func (s *Server) leaseNumber(c *gin.Context, poolID int, rc numberpool.RequestContext, target string) map[string]interface{} {
	res, err := s.engine.Lease(c.Request.Context(), numberpool.LeaseRequest{
		PoolID:         poolID,
		RequestContext: rc,
		TargetNumber:   target,
		Renew:          target != "",
	})
	if err != nil {
		s.logger.Warn("lease failed", "pool_id", poolID, "error", err)
		if errors.Is(err, numberpool.ErrPoolEmpty) {
			s.notifier.Critical("number pool empty", "pool "+strconv.Itoa(poolID)+" has no leasable numbers")
		}
	}
	out := leaseResponse(poolID, res, err)

	// Renewals carry the session's call trace so the client can tell whether
	// this number has already been dialed.
	if err == nil && res.Renewed && s.users != nil {
		if sid, _ := rc["sid"].(string); sid != "" {
			if trace, terr := s.users.Get(c.Request.Context(), userctx.IDTypeSID, sid); terr == nil && trace != nil {
				out["sid_ctx"] = trace
			}
		}
	}
	return out
}

// handlePoolRequest runs the page-call pool flow: opted-in sessions (pool
// cookie, or pl=1 on the landing URL) get a number leased or renewed and the
// result cached in the pool cookie. Returns nil when pools are not in play.
func (s *Server) handlePoolRequest(c *gin.Context, ids *identity.IDSet, props map[string]interface{}, h utils.HeaderParams) map[string]interface{} {
	if !s.cfg.PoolEnabled || s.engine == nil {
		return nil
	}
	poolID, ok := intProp(props, "pool_id")
	if !ok {
		return nil
	}
	poolCtx, _ := props["pool_context"].(map[string]interface{})

	// A rotated session must not inherit the previous session's number
	var sesh *identity.PoolSession
	if !ids.SessionReset {
		sesh = identity.DecodePoolCookie(cookieValue(c, identity.PoolCookieName))
	}

	usePool := false
	if sesh != nil {
		usePool = sesh.Enabled
	} else if pageURL := stringProp(props, "url"); pageURL != "" {
		if parsed, err := url.Parse(pageURL); err == nil {
			usePool = parsed.Query().Get("pl") == "1"
		}
	}
	if !usePool {
		return nil
	}

	poolKey := strconv.Itoa(poolID)
	target := ""
	if sesh != nil {
		if cached, ok := sesh.Numbers[poolKey]; ok {
			if status, _ := cached["status"].(string); status != statusSuccess {
				s.logger.Warn("returning cached unsuccessful pool result", "pool_id", poolID)
				return cached
			}
			target, _ = cached["number"].(string)
		}
	}

	rc := poolRequestContext(ids, poolCtx, h)
	resp := s.leaseNumber(c, poolID, rc, target)

	if sesh == nil {
		sesh = &identity.PoolSession{Enabled: true, Numbers: map[string]map[string]interface{}{}}
	}
	sesh.Numbers[poolKey] = resp
	s.setPoolCookie(c, sesh, props, h.Host)
	return resp
}

func (s *Server) setPoolCookie(c *gin.Context, sesh *identity.PoolSession, props map[string]interface{}, host string) {
	maxAge := identity.PoolCookieMaxAge
	if seconds, ok := intProp(props, "pool_max_age"); ok {
		maxAge = time.Duration(seconds) * time.Second
	}
	value, err := sesh.Encode()
	if err != nil {
		s.logger.Error("could not encode pool cookie", "error", err)
		return
	}
	identity.SetCookie(c.Writer, identity.PoolCookieName, value, host, maxAge)
}

func (s *Server) handleNumberPool(c *gin.Context) {
	var body numberPoolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "NumberPoolRequestBody: " + err.Error()})
		return
	}
	h := s.headerParams(c)
	if body.isBot() && !s.cfg.AllowBots {
		s.logger.Warn("skipping bot", "user_agent", h.UserAgent)
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if !s.cfg.PoolEnabled || s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}

	renew := body.Number != ""
	if renew && cookieValue(c, identity.PoolCookieName) == "" {
		// The cookie is set with the first lease; if it is gone, so is the
		// number session.
		s.logger.Warn("number session expired", "pool_id", body.PoolID)
		c.JSON(http.StatusOK, gin.H{"status": statusError, "number": nil, "msg": msgExpired})
		return
	}

	ids := s.ids.Reconcile(
		body.zarBlock(),
		cookieValue(c, identity.SIDCookieName),
		cookieValue(c, identity.CIDCookieName),
		"", h.Referer, false,
	)
	if ids.SIDString() == "" {
		s.logger.Warn("number pool request without session id")
		c.JSON(http.StatusOK, gin.H{"status": statusError, "number": nil, "msg": msgNoSID})
		return
	}

	rc := poolRequestContext(ids, body.Context, h)
	resp := s.leaseNumber(c, body.PoolID, rc, body.Number)

	if !renew {
		sesh := &identity.PoolSession{
			Enabled: true,
			Numbers: map[string]map[string]interface{}{strconv.Itoa(body.PoolID): resp},
		}
		s.setPoolCookie(c, sesh, body.Properties, h.Host)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUpdateNumber(c *gin.Context) {
	var body numberPoolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "UpdateNumberRequestBody: " + err.Error()})
		return
	}
	h := s.headerParams(c)
	if body.isBot() && !s.cfg.AllowBots {
		s.logger.Warn("skipping bot", "user_agent", h.UserAgent)
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if !s.cfg.PoolEnabled || s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}

	ids := s.ids.Reconcile(
		body.zarBlock(),
		cookieValue(c, identity.SIDCookieName),
		cookieValue(c, identity.CIDCookieName),
		"", h.Referer, false,
	)
	if ids.SIDString() == "" {
		s.logger.Warn("update number request without session id")
		c.JSON(http.StatusOK, gin.H{"status": statusError, "number": nil, "msg": msgNoSID})
		return
	}

	rc := poolRequestContext(ids, body.Context, h)
	nc, err := s.engine.UpdateNumber(c.Request.Context(), body.PoolID, body.Number, rc, true)
	if err != nil {
		s.logger.Warn("update number failed", "pool_id", body.PoolID, "number", body.Number, "error", err)
		if errors.Is(err, numberpool.ErrNumberNotFound) {
			c.JSON(http.StatusOK, errorResponse(msgNotFound))
			return
		}
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusSuccess, "context": nc, "msg": nil})
}

type trackCallBody struct {
	Key      string `json:"key"`
	CallID   string `json:"call_id"`
	CallFrom string `json:"call_from"`
	CallTo   string `json:"call_to"`
}

func (s *Server) handleTrackCall(c *gin.Context) {
	var body trackCallBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "TrackCallRequestBody: " + err.Error()})
		return
	}
	if !s.authorized(body.Key) {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Forbidden"})
		return
	}
	if !s.cfg.PoolEnabled || s.resolver == nil {
		resp := errorResponse(msgPoolUnavailable)
		s.notifier.Warning("track_call without pool", "number pool is not configured")
		c.JSON(http.StatusOK, resp)
		return
	}

	res, err := s.resolver.Resolve(c.Request.Context(), body.CallFrom, body.CallTo)
	if err != nil {
		if errors.Is(err, attribution.ErrNotFound) {
			s.logger.Warn("call not attributed", "call_from", body.CallFrom, "call_to", body.CallTo)
			c.JSON(http.StatusOK, errorResponse(msgNotFound))
			return
		}
		s.logger.Error("track call failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}

	msg := map[string]interface{}{
		"source":           string(res.Source),
		"has_cached_route": res.HasCachedRoute,
		"from_route_cache": res.FromRouteCache,
	}
	var sid string
	if res.RequestContext != nil {
		msg["pool_id"] = res.PoolID
		msg["request_context"] = res.RequestContext
		sid, _ = res.RequestContext["sid"].(string)
	}
	if res.StaticContext != nil {
		msg["static_context"] = res.StaticContext
	}
	if res.UserContext != nil {
		msg["user_context"] = res.UserContext
	}

	if _, err := s.recorder.RecordCall(c.Request.Context(), &events.CallEvent{
		CallID:         body.CallID,
		SID:            sid,
		CallFrom:       body.CallFrom,
		CallTo:         body.CallTo,
		NumberContext:  msg,
		FromRouteCache: res.FromRouteCache,
	}); err != nil {
		s.logger.Error("could not record call event", "error", err)
		s.notifier.Critical("call event write failed", err.Error())
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}

	c.JSON(http.StatusOK, successResponse(msg))
}

func intProp(props map[string]interface{}, key string) (int, bool) {
	if props == nil {
		return 0, false
	}
	switch v := props[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func stringProp(props map[string]interface{}, key string) string {
	if props == nil {
		return ""
	}
	s, _ := props[key].(string)
	return s
}
