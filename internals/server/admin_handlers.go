package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// authorized checks the admin key; a debug deployment skips the check
func (s *Server) authorized(key string) bool {
	if s.cfg.Debug {
		return true
	}
	return key != "" && key == s.cfg.PoolKey
}

func (s *Server) requireKey(c *gin.Context) bool {
	if !s.authorized(c.Query("key")) {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Forbidden"})
		return false
	}
	return true
}

func (s *Server) handleRefreshPoolConn(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	if err := s.engine.RefreshConn(c.Request.Context()); err != nil {
		s.logger.Error("could not refresh pool store connection", "error", err)
		s.notifier.Critical("pool store refresh failed", err.Error())
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}

func (s *Server) handleInitPools(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}

	var poolIDs []int
	if raw := c.Query("pool_id"); raw != "" {
		poolID, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "pool_id must be an integer"})
			return
		}
		poolIDs = append(poolIDs, poolID)
	}

	counts, err := s.engine.InitPools(c.Request.Context(), poolIDs...)
	if err != nil {
		s.logger.Error("init pools failed", "error", err)
		s.notifier.Critical("pool init failed", err.Error())
		c.JSON(http.StatusOK, errorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, successResponse(counts))
}

func (s *Server) handleResetPool(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}

	poolID, err := strconv.Atoi(c.Query("pool_id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "pool_id must be an integer"})
		return
	}
	preserve := c.DefaultQuery("preserve", "true") == "true"

	if err := s.engine.ResetPool(c.Request.Context(), poolID, preserve); err != nil {
		s.logger.Error("reset pool failed", "pool_id", poolID, "error", err)
		c.JSON(http.StatusOK, errorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}

func (s *Server) handlePoolStats(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	withContexts := c.Query("with_contexts") == "true"

	stats, err := s.engine.Stats(c.Request.Context(), withContexts)
	if err != nil {
		s.logger.Error("pool stats failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetUserContext(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.users == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	profile, err := s.users.Get(c.Request.Context(), c.Query("id_type"), c.Query("user_id"))
	if err != nil {
		s.logger.Error("get user context failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}
	c.JSON(http.StatusOK, successResponse(profile))
}

type userContextBody struct {
	Key     string                 `json:"key"`
	UserID  string                 `json:"user_id"`
	IDType  string                 `json:"id_type"`
	Context map[string]interface{} `json:"context"`
}

func (s *Server) handleUpdateUserContext(c *gin.Context) {
	var body userContextBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "UserContextRequestBody: " + err.Error()})
		return
	}
	if !s.authorized(body.Key) {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Forbidden"})
		return
	}

	if s.users == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	profile, err := s.users.Update(c.Request.Context(), body.IDType, body.UserID, body.Context, true)
	if err != nil {
		s.logger.Error("update user context failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}
	c.JSON(http.StatusOK, successResponse(profile))
}

func (s *Server) handleRemoveUserContext(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.users == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	if err := s.users.Remove(c.Request.Context(), c.Query("id_type"), c.Query("user_id")); err != nil {
		s.logger.Error("remove user context failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}

type staticContextsBody struct {
	Key      string `json:"key"`
	Contexts []struct {
		Number  string                 `json:"number"`
		Context map[string]interface{} `json:"context"`
	} `json:"contexts"`
}

func (s *Server) handleSetStaticNumberContexts(c *gin.Context) {
	var body staticContextsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "StaticNumberContextRequestBody: " + err.Error()})
		return
	}
	if !s.authorized(body.Key) {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Forbidden"})
		return
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}

	contexts := make(map[string]map[string]interface{}, len(body.Contexts))
	for _, entry := range body.Contexts {
		contexts[entry.Number] = entry.Context
	}
	if err := s.engine.SetStaticNumberContexts(c.Request.Context(), contexts); err != nil {
		s.logger.Error("set static number contexts failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}

func (s *Server) handleGetStaticNumberContext(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	staticCtx, err := s.engine.StaticNumberContext(c.Request.Context(), c.Query("number"))
	if err != nil {
		s.logger.Error("get static number context failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}
	c.JSON(http.StatusOK, successResponse(staticCtx))
}

func (s *Server) handleRemoveStaticNumberContext(c *gin.Context) {
	if !s.requireKey(c) {
		return
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, errorResponse(msgPoolUnavailable))
		return
	}
	if err := s.engine.RemoveStaticNumberContext(c.Request.Context(), c.Query("number")); err != nil {
		s.logger.Error("remove static number context failed", "error", err)
		c.JSON(http.StatusOK, errorResponse(msgInternalError))
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}
