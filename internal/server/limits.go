package server

import (
	"net/http"
	"strings"

	limitsdomain "github.com/formforge/formforge/internal/limits/domain"
	"github.com/gin-gonic/gin"
)

type setLimitsRequest struct {
	Overrides limitsdomain.Overrides `json:"overrides"`
	Reason    string                 `json:"reason"`
}

func (s *Server) SetCustomLimits(c *gin.Context) {
	accountID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	limits, err := s.limitsSvc.SetCustomLimits(c.Request.Context(), accountID, req.Overrides, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": limits})
}

func (s *Server) ClearCustomLimits(c *gin.Context) {
	accountID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.limitsSvc.ClearCustomLimits(c.Request.Context(), accountID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

type changeTierRequest struct {
	TierKey string `json:"tier_key"`
}

func (s *Server) ChangeTier(c *gin.Context) {
	accountID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req changeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.limitsSvc.ChangeTier(c.Request.Context(), accountID, strings.TrimSpace(req.TierKey)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "changed"})
}
