package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/formforge/formforge/internal/actorcontext"
	jobdomain "github.com/formforge/formforge/internal/job/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetJob(c *gin.Context) {
	jobID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorizeJobAccess(c, jobID); err != nil {
		AbortWithError(c, err)
		return
	}

	job, outcomes, err := s.batchSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"job":  job,
		"rows": outcomes,
	}})
}

func (s *Server) DownloadJobOutput(c *gin.Context) {
	jobID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorizeJobAccess(c, jobID); err != nil {
		AbortWithError(c, err)
		return
	}

	job, _, err := s.batchSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if job.OutputRef == "" {
		AbortWithError(c, jobdomain.ErrNotFound)
		return
	}

	data, err := s.store.Read(c.Request.Context(), job.OutputRef)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="job_%s.zip"`, job.ID.String()))
	c.Data(http.StatusOK, "application/zip", data)
}

func (s *Server) ListAccountJobs(c *gin.Context) {
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

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	jobs, err := s.batchSvc.ListByAccount(c.Request.Context(), accountID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs})
}
