package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

const presenceTouchTimeout = 2 * time.Second

type saveRequestPayload struct {
	OwnerID         string          `json:"ownerId"`
	SectionType     string          `json:"sectionType"`
	SectionKey      string          `json:"sectionKey"`
	Content         json.RawMessage `json:"content"`
	ExpectedVersion *int64          `json:"expectedVersion"`
	SaveMethod      string          `json:"saveMethod"`
	ConnectionID    string          `json:"connectionId"`
}

func (h *httpHandler) handleSave(c *gin.Context) {
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, failure(reasonValidation))
		return
	}
	ownerID, ok := h.resolveOwner(c, strings.TrimSpace(request.OwnerID))
	if !ok {
		return
	}
	method, err := sections.ParseSaveMethod(request.SaveMethod)
	if err != nil {
		c.JSON(http.StatusBadRequest, failurePayload{Reason: reasonValidation, Field: "saveMethod"})
		return
	}
	connectionID := connectionIDOf(c, request.ConnectionID)

	result, err := h.sections.Save(c.Request.Context(), sections.SaveRequest{
		OwnerID:         ownerID,
		SectionType:     request.SectionType,
		SectionKey:      request.SectionKey,
		Content:         request.Content,
		ExpectedVersion: request.ExpectedVersion,
		Method:          method,
		ConnectionID:    connectionID,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.touchPresence(ownerID, connectionID)
	writeSaveResult(c, result)
}

type restoreRequestPayload struct {
	OwnerID      string `json:"ownerId"`
	SectionType  string `json:"sectionType"`
	SectionKey   string `json:"sectionKey"`
	Version      int64  `json:"version"`
	ConnectionID string `json:"connectionId"`
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	var request restoreRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, failure(reasonValidation))
		return
	}
	ownerID, ok := h.resolveOwner(c, strings.TrimSpace(request.OwnerID))
	if !ok {
		return
	}
	result, err := h.sections.Restore(c.Request.Context(), sections.RestoreRequest{
		OwnerID:      ownerID,
		SectionType:  request.SectionType,
		SectionKey:   request.SectionKey,
		Version:      request.Version,
		ConnectionID: connectionIDOf(c, request.ConnectionID),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	writeSaveResult(c, result)
}

func (h *httpHandler) handleFetch(c *gin.Context) {
	ownerID, ok := h.resolveOwner(c, strings.TrimSpace(c.Query("ownerId")))
	if !ok {
		return
	}
	records, err := h.sections.Fetch(c.Request.Context(), ownerID, strings.TrimSpace(c.Query("sectionType")))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := fetchResponsePayload{Success: true, Data: make([]sectionPayload, 0, len(records))}
	for _, record := range records {
		response.Data = append(response.Data, sectionPayload{
			SectionType: record.SectionType,
			SectionKey:  record.SectionKey,
			Content:     json.RawMessage(record.ContentJSON),
			Version:     record.Version,
			LastSavedAt: fromMillis(record.LastSavedAtMsec),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	ownerID, ok := h.resolveOwner(c, strings.TrimSpace(c.Query("ownerId")))
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, failurePayload{Reason: reasonValidation, Field: "limit"})
			return
		}
		limit = parsed
	}
	entries, err := h.sections.History(c.Request.Context(), ownerID, c.Query("sectionType"), c.Query("sectionKey"), limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := historyResponsePayload{Success: true, Data: make([]historyEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		response.Data = append(response.Data, historyEntryPayload{
			Version:    entry.Version,
			Content:    json.RawMessage(entry.ContentJSON),
			SavedAt:    fromMillis(entry.SavedAtMsec),
			SaveMethod: string(entry.SaveMethod),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	ownerID, ok := h.resolveOwner(c, strings.TrimSpace(c.Query("ownerId")))
	if !ok {
		return
	}
	sectionKey := strings.TrimSpace(c.Query("sectionKey"))
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, failurePayload{Reason: reasonValidation, Field: "ownerId"})
		return
	}
	if sectionKey == "" {
		c.JSON(http.StatusBadRequest, failurePayload{Reason: reasonValidation, Field: "sectionKey"})
		return
	}
	response := presenceResponsePayload{Success: true, Data: []presencePayload{}}
	if h.presence == nil {
		c.JSON(http.StatusOK, response)
		return
	}
	sessions, err := h.presence.Active(c.Request.Context(), ownerID, sectionKey)
	if err != nil {
		h.logger.Error("presence lookup failed", zap.Error(err), zap.String("owner_id", ownerID))
		c.JSON(http.StatusServiceUnavailable, failure(reasonStoreUnavailable))
		return
	}
	for _, session := range sessions {
		response.Data = append(response.Data, presencePayload{
			ConnectionID:   session.ConnectionID,
			SectionType:    session.SectionType,
			LastActivityAt: fromMillis(session.LastActivityMs),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	ownerID, ok := h.resolveOwner(c, strings.TrimSpace(c.Query("ownerId")))
	if !ok {
		return
	}
	if _, err := sections.NewOwnerID(ownerID); err != nil {
		c.JSON(http.StatusBadRequest, failurePayload{Reason: reasonValidation, Field: "ownerId"})
		return
	}
	// The hub writes its own handshake failure response.
	if err := h.hub.Serve(c.Writer, c.Request, ownerID); err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err), zap.String("owner_id", ownerID))
	}
}

func (h *httpHandler) touchPresence(ownerID, connectionID string) {
	if h.presence == nil || connectionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTouchTimeout)
	defer cancel()
	if err := h.presence.Touch(ctx, ownerID, connectionID); err != nil {
		h.logger.Warn("presence touch failed", zap.Error(err), zap.String("connection_id", connectionID))
	}
}

func connectionIDOf(c *gin.Context, fromBody string) string {
	if trimmed := strings.TrimSpace(fromBody); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(c.GetHeader("X-Connection-Id"))
}
