package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/formforge/formforge/internal/account/domain"
	"github.com/formforge/formforge/internal/actorcontext"
	batchdomain "github.com/formforge/formforge/internal/batch/domain"
	"github.com/gin-gonic/gin"
)

// requireAccount resolves the calling actor to its account. The actor ID
// header carries the account's external key.
func (s *Server) requireAccount(c *gin.Context) (*accountdomain.Account, error) {
	actor, ok := actorcontext.FromContext(c.Request.Context())
	if !ok {
		return nil, ErrUnauthorized
	}
	return s.accountSvc.GetByExternalKey(c.Request.Context(), actor.ID)
}

func parseID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		return 0, ErrInvalidRequest
	}
	return id, nil
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) SubmitBatch(c *gin.Context) {
	account, err := s.requireAccount(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	templateHeader, err := c.FormFile("template")
	if err != nil {
		AbortWithError(c, &batchdomain.ValidationError{Field: "template", Reason: "missing file"})
		return
	}
	dataHeader, err := c.FormFile("data")
	if err != nil {
		AbortWithError(c, &batchdomain.ValidationError{Field: "data", Reason: "missing file"})
		return
	}

	template, err := readFormFile(templateHeader)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, err := readFormFile(dataHeader)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	templateName := strings.TrimSpace(c.PostForm("template_name"))
	if templateName == "" {
		templateName = templateHeader.Filename
	}

	job, err := s.batchSvc.Submit(c.Request.Context(), batchdomain.SubmitRequest{
		AccountID:      account.ID,
		TemplateName:   templateName,
		Template:       template,
		Data:           data,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": job})
}

func (s *Server) CancelJob(c *gin.Context) {
	jobID, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorizeJobAccess(c, jobID); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.batchSvc.Cancel(c.Request.Context(), jobID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (s *Server) authorizeJobAccess(c *gin.Context, jobID snowflake.ID) error {
	actor, _ := actorcontext.FromContext(c.Request.Context())
	if actor.Admin {
		return nil
	}
	account, err := s.requireAccount(c)
	if err != nil {
		return err
	}
	job, _, err := s.batchSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		return err
	}
	if job.AccountID != account.ID {
		return ErrForbidden
	}
	return nil
}
