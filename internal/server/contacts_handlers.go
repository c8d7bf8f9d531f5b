package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/MarcoPoloResearchLab/followcrm/internal/upstream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const markdownContentType = "text/markdown; charset=utf-8"

type listFollowsResponse struct {
	Count   int                   `json:"count"`
	Tag     string                `json:"tag,omitempty"`
	Stats   contacts.ContactStats `json:"stats"`
	Follows []contacts.Follow     `json:"follows"`
}

type syncResponse struct {
	Count      int    `json:"count"`
	Pages      int    `json:"pages"`
	StartedAt  string `json:"started_at"`
	Privileged bool   `json:"privileged,omitempty"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	handle := c.GetString(userHandleContextKey)

	outcome, err := h.contacts.Sync(c.Request.Context(), userID, handle)
	if err != nil {
		body := errorBody(errorCode(err), err.Error())
		if outcome.Result != nil {
			body["synced_count"] = outcome.Result.Count
			body["synced_pages"] = outcome.Result.Pages
		}
		c.JSON(statusForError(err), body)
		return
	}
	if !outcome.Eligibility.Allowed {
		hours := outcome.Eligibility.HoursRemaining
		body := errorBody("sync_rate_limited", fmt.Sprintf("sync available again in %d hours", hours))
		body["hours_remaining"] = hours
		c.JSON(http.StatusTooManyRequests, body)
		return
	}
	if wantsHTML(c) {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	c.JSON(http.StatusOK, syncResponse{
		Count:      outcome.Result.Count,
		Pages:      outcome.Result.Pages,
		StartedAt:  outcome.Result.StartedAt.UTC().Format(timeLayout),
		Privileged: outcome.Eligibility.Privileged,
	})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	eligibility, err := h.contacts.Eligibility(c.Request.Context(), c.GetString(userIDContextKey), c.GetString(userHandleContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, eligibility)
}

func (h *httpHandler) handleListFollows(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	tag := strings.TrimSpace(c.Query("tag"))
	ctx := c.Request.Context()

	follows, err := h.contacts.ListFollows(ctx, userID, tag)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if follows == nil {
		follows = []contacts.Follow{}
	}

	if wantsMarkdown(c) {
		c.Data(http.StatusOK, markdownContentType, []byte(renderMarkdown(follows)))
		return
	}

	stats, err := h.contacts.Stats(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listFollowsResponse{
		Count:   len(follows),
		Tag:     tag,
		Stats:   stats,
		Follows: follows,
	})
}

func (h *httpHandler) handleListTags(c *gin.Context) {
	tags, err := h.contacts.UniqueTags(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (h *httpHandler) handleUpdateContact(c *gin.Context) {
	var note, tags *string
	if value, ok := c.GetQuery("note"); ok {
		note = &value
	}
	if value, ok := c.GetQuery("tags"); ok {
		tags = &value
	}

	result, err := h.contacts.UpdateContact(c.Request.Context(), c.GetString(userIDContextKey), c.Param("handle"), note, tags)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleUpdateBulk(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_bulk_payload", contacts.ErrInvalidBulkPayload.Error()))
		return
	}
	var items []contacts.BulkUpdate
	if err := json.Unmarshal(raw, &items); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_bulk_payload", contacts.ErrInvalidBulkPayload.Error()))
		return
	}

	result, err := h.contacts.UpdateBulk(c.Request.Context(), c.GetString(userIDContextKey), items)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleRemoveTag(c *gin.Context) {
	result, err := h.contacts.RemoveTag(c.Request.Context(), c.GetString(userIDContextKey), c.Param("tag"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, errorBody(errorCode(err), err.Error()))
}

func errorCode(err error) string {
	var serviceErr *contacts.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "internal_error"
}

func statusForError(err error) int {
	var statusErr *upstream.StatusError
	switch {
	case errors.Is(err, contacts.ErrMissingUserID):
		return http.StatusUnauthorized
	case errors.Is(err, contacts.ErrMissingHandle),
		errors.Is(err, contacts.ErrHandleTooLong),
		errors.Is(err, contacts.ErrMissingTag),
		errors.Is(err, contacts.ErrNothingToUpdate),
		errors.Is(err, contacts.ErrInvalidBulkPayload):
		return http.StatusBadRequest
	case errors.Is(err, upstream.ErrHandleNotFound):
		return http.StatusNotFound
	case errors.As(err, &statusErr), strings.HasSuffix(errorCode(err), ".sync_failed"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func wantsHTML(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html")
}

func wantsMarkdown(c *gin.Context) bool {
	format := strings.ToLower(c.Query("format"))
	if format == "md" || format == "markdown" {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "text/markdown")
}
