package server

import (
	"net/http"
	"strings"

	accountdomain "github.com/formforge/formforge/internal/account/domain"
	"github.com/formforge/formforge/internal/actorcontext"
	ledgerdomain "github.com/formforge/formforge/internal/ledger/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) CreateAccount(c *gin.Context) {
	var req accountdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	account, err := s.accountSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": account})
}

func (s *Server) GetAccount(c *gin.Context) {
	accountID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.accountSvc.Get(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limits, err := s.limitsSvc.Resolve(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account": account,
		"limits":  limits,
	}})
}

type adjustCreditsRequest struct {
	Pool   string `json:"pool"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (s *Server) AdjustCredits(c *gin.Context) {
	accountID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	actor, _ := actorcontext.FromContext(c.Request.Context())
	balances, err := s.ledgerSvc.Adjust(
		c.Request.Context(),
		accountID,
		ledgerdomain.Pool(strings.TrimSpace(req.Pool)),
		req.Delta,
		req.Reason,
		actor,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balances})
}

func (s *Server) GetBalances(c *gin.Context) {
	accountID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if actor, _ := actorcontext.FromContext(c.Request.Context()); !actor.Admin {
		account, err := s.requireAccount(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if account.ID != accountID {
			AbortWithError(c, ErrForbidden)
			return
		}
	}

	balances, err := s.ledgerSvc.Balances(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balances})
}
