package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

const (
	reasonValidation       = "validation_error"
	reasonVersionConflict  = sections.ReasonVersionConflict
	reasonNotFound         = "not_found"
	reasonStoreUnavailable = "store_unavailable"
	reasonInternal         = "internal_error"
	reasonUnauthorized     = "unauthorized"
	reasonForbidden        = "forbidden"
)

type failurePayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
}

func failure(reason string) failurePayload {
	return failurePayload{Success: false, Reason: reason}
}

type saveResponsePayload struct {
	Success        bool            `json:"success"`
	Reason         string          `json:"reason,omitempty"`
	Version        int64           `json:"version,omitempty"`
	SavedAt        *time.Time      `json:"savedAt,omitempty"`
	CurrentVersion *int64          `json:"currentVersion,omitempty"`
	CurrentContent json.RawMessage `json:"currentContent,omitempty"`
}

func writeSaveResult(c *gin.Context, result sections.SaveResult) {
	if !result.Success {
		currentVersion := result.CurrentVersion
		content := json.RawMessage("null")
		if len(result.CurrentContent) > 0 {
			content = result.CurrentContent.RawMessage()
		}
		c.JSON(http.StatusConflict, saveResponsePayload{
			Success:        false,
			Reason:         result.Reason,
			CurrentVersion: &currentVersion,
			CurrentContent: content,
		})
		return
	}
	savedAt := result.SavedAt.UTC()
	c.JSON(http.StatusOK, saveResponsePayload{
		Success: true,
		Version: result.Version,
		SavedAt: &savedAt,
	})
}

// writeServiceError maps a sections error onto the HTTP taxonomy.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	var validationErr *sections.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, failurePayload{Reason: reasonValidation, Field: validationErr.Field})
	case errors.Is(err, sections.ErrNotFound):
		c.JSON(http.StatusNotFound, failurePayload{Reason: reasonNotFound, Code: sections.ErrorCode(err)})
	case errors.Is(err, sections.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, failurePayload{Reason: reasonStoreUnavailable, Code: sections.ErrorCode(err)})
	default:
		h.logger.Error("unexpected service error", zap.Error(err), zap.String("route", c.FullPath()))
		c.JSON(http.StatusInternalServerError, failurePayload{Reason: reasonInternal, Code: sections.ErrorCode(err)})
	}
}

type sectionPayload struct {
	SectionType string          `json:"sectionType"`
	SectionKey  string          `json:"sectionKey"`
	Content     json.RawMessage `json:"content"`
	Version     int64           `json:"version"`
	LastSavedAt time.Time       `json:"lastSavedAt"`
}

type fetchResponsePayload struct {
	Success bool             `json:"success"`
	Data    []sectionPayload `json:"data"`
}

type historyEntryPayload struct {
	Version    int64           `json:"version"`
	Content    json.RawMessage `json:"content"`
	SavedAt    time.Time       `json:"savedAt"`
	SaveMethod string          `json:"saveMethod"`
}

type historyResponsePayload struct {
	Success bool                  `json:"success"`
	Data    []historyEntryPayload `json:"data"`
}

type presencePayload struct {
	ConnectionID   string    `json:"connectionId"`
	SectionType    string    `json:"sectionType"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type presenceResponsePayload struct {
	Success bool              `json:"success"`
	Data    []presencePayload `json:"data"`
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
