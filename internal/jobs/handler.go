package jobs

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"hallucheck-backend/internal/conversation"
	"hallucheck-backend/internal/shared/server/middleware"
	"hallucheck-backend/internal/shared/server/respond"
)

// multipart framing on top of the file itself
const multipartSlack = 64 << 10

// Handler wires HTTP handlers to the jobs service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches job routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/jobs", h.submit)
	rg.GET("/jobs", h.list)
	rg.GET("/jobs/:id", h.get)
}

func (h *Handler) submit(c *gin.Context) {
	ownerID := middleware.UserIDFromContext(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes+multipartSlack)

	sub, ok := readSubmission(c)
	if !ok {
		return
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	job, err := h.Svc.CreateAndStart(ctx, ownerID, sub)
	if err != nil {
		writeSubmitError(c, err)
		return
	}

	c.Set(respond.JobIDKey, job.ID)
	c.Set(respond.TransitionKey, "pending->"+job.Status)
	respond.Accepted(c, c.FullPath()+"/"+job.ID, gin.H{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func readSubmission(c *gin.Context) (Submission, bool) {
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				writeTooLarge(c)
				return Submission{}, false
			}
			respond.Error(c, http.StatusBadRequest, "malformed_input", "file is required", nil)
			return Submission{}, false
		}
		if fileHeader.Size > MaxUploadBytes {
			writeTooLarge(c)
			return Submission{}, false
		}
		file, err := fileHeader.Open()
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "malformed_input", "unable to read file", nil)
			return Submission{}, false
		}
		defer file.Close()

		raw, err := io.ReadAll(file)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "malformed_input", "unable to read file", nil)
			return Submission{}, false
		}
		name := strings.TrimSpace(c.PostForm("fileName"))
		if name == "" {
			name = fileHeader.Filename
		}
		return Submission{FileName: name, Raw: raw}, true
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if isTooLarge(err) {
			writeTooLarge(c)
			return Submission{}, false
		}
		respond.Error(c, http.StatusBadRequest, "malformed_input", "unable to read request body", nil)
		return Submission{}, false
	}
	if len(raw) > MaxUploadBytes {
		writeTooLarge(c)
		return Submission{}, false
	}
	return Submission{FileName: c.Query("fileName"), Raw: raw}, true
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func writeTooLarge(c *gin.Context) {
	respond.Error(c, http.StatusRequestEntityTooLarge, "payload_too_large",
		fmt.Sprintf("conversation exceeds %d bytes", MaxUploadBytes), nil)
}

func writeSubmitError(c *gin.Context, err error) {
	var turnErr *conversation.TurnError
	switch {
	case errors.As(err, &turnErr):
		respond.Error(c, http.StatusBadRequest, "bad_turn_shape", err.Error(), []map[string]any{
			{"field": fmt.Sprintf("turns[%d]", turnErr.Index), "issue": turnErr.Reason},
		})
	case errors.Is(err, conversation.ErrEmptyConversation):
		respond.Error(c, http.StatusBadRequest, "empty_conversation", "conversation has no turns", nil)
	case errors.Is(err, conversation.ErrMalformedInput):
		respond.Error(c, http.StatusBadRequest, "malformed_input", "conversation must be a JSON array of turns", nil)
	case errors.Is(err, ErrOwnerRequired):
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to create job", nil)
	}
}

func (h *Handler) get(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "job id is required", nil)
		return
	}
	c.Set(respond.JobIDKey, jobID)

	view, err := h.Svc.GetStatus(c.Request.Context(), middleware.UserIDFromContext(c), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch job", nil)
		}
		return
	}
	respond.OK(c, view)
}

func (h *Handler) list(c *gin.Context) {
	limit := defaultListLimit
	offset := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			respond.Error(c, http.StatusBadRequest, "validation_error", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	if v := c.Query("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			respond.Error(c, http.StatusBadRequest, "validation_error", "offset must be a non-negative integer", nil)
			return
		}
		offset = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	items, err := h.Svc.List(c.Request.Context(), middleware.UserIDFromContext(c), limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list jobs", nil)
		return
	}
	respond.OK(c, gin.H{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}
