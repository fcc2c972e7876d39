package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zarlabs/zar/internals/events"
	"github.com/zarlabs/zar/internals/identity"
	"github.com/zarlabs/zar/utils"
)

// eventBody is the analytics.js-style request envelope. Properties is left
// untyped because clients attach arbitrary payloads.
type eventBody struct {
	Type       string                 `json:"type"`
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties"`
	UserID     string                 `json:"userId"`
}

func (b *eventBody) propString(key string) string {
	if b.Properties == nil {
		return ""
	}
	s, _ := b.Properties[key].(string)
	return s
}

func (b *eventBody) isBot() bool {
	if b.Properties == nil {
		return false
	}
	bot, _ := b.Properties["is_bot"].(bool)
	return bot
}

func (b *eventBody) zarBlock() map[string]interface{} {
	if b.Properties == nil {
		return nil
	}
	block, _ := b.Properties["zar"].(map[string]interface{})
	return block
}

func (s *Server) headerParams(c *gin.Context) utils.HeaderParams {
	h := utils.ExtractHeaderParams(c.Request.Header)
	if h.Host == "" {
		h.Host = c.Request.Host
	}
	return h
}

func cookieValue(c *gin.Context, name string) string {
	value, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return value
}

// referrerFor prefers the in-page document referrer over the Referer header
func referrerFor(body *eventBody, h utils.HeaderParams) string {
	if ref := body.propString("referrer"); ref != "" {
		return ref
	}
	return h.Referer
}

func (s *Server) handlePage(c *gin.Context) {
	var body eventBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "PageRequestBody: " + err.Error()})
		return
	}
	if body.Properties == nil {
		body.Properties = map[string]interface{}{}
	}

	h := s.headerParams(c)
	if body.isBot() && !s.cfg.AllowBots {
		s.logger.Info("skipping bot", "user_agent", h.UserAgent)
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	pageURL := body.propString("url")
	ids := s.ids.Reconcile(
		body.zarBlock(),
		cookieValue(c, identity.SIDCookieName),
		cookieValue(c, identity.CIDCookieName),
		pageURL,
		referrerFor(&body, h),
		true,
	)

	poolData := s.handlePoolRequest(c, ids, body.Properties, h)
	body.Properties["pool_data"] = poolData
	delete(body.Properties, "zar")

	id, err := s.recorder.RecordPage(c.Request.Context(), &events.PageEvent{
		VID:        ids.VIDString(),
		SID:        ids.SIDString(),
		CID:        ids.CIDString(),
		UID:        body.UserID,
		Host:       h.Host,
		IP:         h.IP,
		UserAgent:  h.UserAgent,
		Referer:    h.Referer,
		Properties: body.Properties,
	})
	if err != nil {
		s.logger.Error("could not record page event", "error", err)
		s.notifier.Warning("page event write failed", err.Error())
	}

	s.setIdentityCookies(c, ids, h.Host)
	c.JSON(http.StatusOK, gin.H{
		"vid":       ids.VIDString(),
		"sid":       ids.SIDString(),
		"cid":       ids.CIDString(),
		"id":        id,
		"pool_data": poolData,
	})
}

func (s *Server) handleTrack(c *gin.Context) {
	beacon := strings.Contains(c.ContentType(), "text/plain")

	var body eventBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "TrackRequestBody: " + err.Error()})
		return
	}
	if body.Properties == nil {
		body.Properties = map[string]interface{}{}
	}

	h := s.headerParams(c)
	if body.isBot() && !s.cfg.AllowBots {
		s.logger.Info("skipping bot", "user_agent", h.UserAgent)
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	// Never mint identities on track: a visitor with no page call stays
	// anonymous.
	ids := s.ids.Reconcile(
		body.zarBlock(),
		cookieValue(c, identity.SIDCookieName),
		cookieValue(c, identity.CIDCookieName),
		"", referrerFor(&body, h), false,
	)
	// The page/visit rows already carry this
	delete(body.Properties, "zar")

	id, err := s.recorder.RecordTrack(c.Request.Context(), &events.TrackEvent{
		Event:      body.Event,
		VID:        ids.VIDString(),
		SID:        ids.SIDString(),
		CID:        ids.CIDString(),
		UID:        body.UserID,
		Host:       h.Host,
		IP:         h.IP,
		UserAgent:  h.UserAgent,
		Referer:    h.Referer,
		Properties: body.Properties,
	})
	if err != nil {
		s.logger.Error("could not record track event", "error", err)
		s.notifier.Warning("track event write failed", err.Error())
	}

	if beacon {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) handleNoscript(c *gin.Context) {
	h := s.headerParams(c)
	ids := s.ids.Reconcile(
		nil,
		cookieValue(c, identity.SIDCookieName),
		cookieValue(c, identity.CIDCookieName),
		"", h.Referer, true,
	)

	props := map[string]interface{}{
		"noscript": true,
		"url":      c.Request.URL.String(),
	}
	id, err := s.recorder.RecordPage(c.Request.Context(), &events.PageEvent{
		VID:        ids.VIDString(),
		SID:        ids.SIDString(),
		CID:        ids.CIDString(),
		Host:       h.Host,
		IP:         h.IP,
		UserAgent:  h.UserAgent,
		Referer:    h.Referer,
		Properties: props,
	})
	if err != nil {
		s.logger.Error("could not record noscript page event", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"vid": ids.VIDString(),
		"sid": ids.SIDString(),
		"cid": ids.CIDString(),
		"id":  id,
	})
}

func (s *Server) setIdentityCookies(c *gin.Context, ids *identity.IDSet, host string) {
	if sidValue, err := ids.SID.Encode(); err == nil {
		identity.SetCookie(c.Writer, identity.SIDCookieName, sidValue, host, identity.SIDCookieMaxAge)
	}
	if cidValue, err := ids.CID.Encode(); err == nil {
		identity.SetCookie(c.Writer, identity.CIDCookieName, cidValue, host, identity.CIDCookieMaxAge)
	}
}
