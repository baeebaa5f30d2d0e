package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/cards"
	"github.com/gin-gonic/gin"
)

type cardStatePayload struct {
	CardID       string         `json:"cardId"`
	DeliveryDate string         `json:"deliveryDate"`
	Status       string         `json:"status"`
	AssignedTo   string         `json:"assignedTo"`
	AssignedBy   string         `json:"assignedBy"`
	Notes        string         `json:"notes"`
	SortOrder    int            `json:"sortOrder"`
	Version      int64          `json:"version"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
	Extra        map[string]any `json:"extra,omitempty"`
}

func newCardStatePayload(state cards.CardState) cardStatePayload {
	var extra map[string]any
	if len(state.Extra) > 0 {
		extra = map[string]any(state.Extra)
	}
	return cardStatePayload{
		CardID:       state.CardID,
		DeliveryDate: state.DeliveryDate,
		Status:       string(state.Status),
		AssignedTo:   state.AssignedTo,
		AssignedBy:   state.AssignedBy,
		Notes:        state.Notes,
		SortOrder:    state.SortOrder,
		Version:      state.Version,
		CreatedAt:    state.CreatedAt().Format(time.RFC3339Nano),
		UpdatedAt:    state.UpdatedAt().Format(time.RFC3339Nano),
		Extra:        extra,
	}
}

func newCardStatePayloads(states []cards.CardState) []cardStatePayload {
	payloads := make([]cardStatePayload, 0, len(states))
	for _, state := range states {
		payloads = append(payloads, newCardStatePayload(state))
	}
	return payloads
}

type classifyResponsePayload struct {
	Date    string                 `json:"date"`
	Cards   []cards.CardDefinition `json:"cards"`
	Created []cards.CardID         `json:"created"`
	Partial bool                   `json:"partial"`
}

func (h *httpHandler) handleClassifyDate(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	date := strings.TrimSpace(c.Query("date"))
	if date == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_delivery_date"})
		return
	}

	result, err := h.cardService.ClassifyDate(c.Request.Context(), tenantID, date)
	if err != nil {
		h.respondError(c, "classify_failed", err)
		return
	}
	h.publishCreated(c, tenantID, result.DeliveryDate, result.CreatedCardIDs)
	c.JSON(http.StatusOK, classifyResponsePayload{
		Date:    result.DeliveryDate,
		Cards:   result.Definitions,
		Created: result.CreatedCardIDs,
		Partial: result.Partial,
	})
}

func (h *httpHandler) handleOrderCards(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(c.Param("orderId"))
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return
	}

	result, err := h.cardService.ClassifyOrder(c.Request.Context(), tenantID, orderID)
	if err != nil {
		h.respondError(c, "classify_failed", err)
		return
	}
	h.publishCreated(c, tenantID, result.DeliveryDate, result.CreatedCardIDs)
	c.JSON(http.StatusOK, gin.H{
		"orderId": orderID,
		"date":    result.DeliveryDate,
		"cards":   result.Definitions,
	})
}

func (h *httpHandler) handleListCardStates(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	date, err := cards.ValidateDeliveryDate(c.Query("deliveryDate"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_delivery_date"})
		return
	}
	var since *time.Time
	if rawSince := strings.TrimSpace(c.Query("since")); rawSince != "" {
		parsed, parseErr := parseSince(rawSince)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = &parsed
	}

	states, err := h.cardStore.ListSince(c.Request.Context(), tenantID, date, since)
	if err != nil {
		h.respondError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": newCardStatePayloads(states)})
}

// parseSince accepts RFC 3339 timestamps or unix milliseconds.
func parseSince(value string) (time.Time, error) {
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

var reservedPatchKeys = map[string]struct{}{
	"cardId":       {},
	"deliveryDate": {},
	"version":      {},
	"createdAt":    {},
	"updatedAt":    {},
	"extra":        {},
}

func (h *httpHandler) handlePatchCardState(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	cardID, err := cards.ParseCardID(c.Param("cardId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	patch, err := decodeCardPatch(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if userID := c.GetString(userIDContextKey); patch.AssignedTo != nil && patch.AssignedBy == nil && userID != "" {
		patch.AssignedBy = &userID
	}

	result, err := h.cardStore.Update(c.Request.Context(), tenantID, cardID, patch)
	if err != nil {
		h.respondError(c, "update_failed", err)
		return
	}
	h.publishStates(tenantID, []cards.CardState{result.State})
	c.JSON(http.StatusOK, gin.H{
		"card":     newCardStatePayload(result.State),
		"conflict": result.Conflict,
	})
}

// decodeCardPatch splits a PATCH body into known fields and the extra-fields
// bag. A null extra value deletes that key; a null text field clears it.
func decodeCardPatch(body map[string]json.RawMessage) (cards.CardPatch, error) {
	var patch cards.CardPatch
	textFields := map[string]**string{
		"assignedTo": &patch.AssignedTo,
		"assignedBy": &patch.AssignedBy,
		"notes":      &patch.Notes,
	}
	for key, raw := range body {
		isNull := bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
		if target, known := textFields[key]; known {
			value := ""
			if !isNull {
				if err := json.Unmarshal(raw, &value); err != nil {
					return cards.CardPatch{}, fmt.Errorf("%s: %w", key, err)
				}
			}
			*target = &value
			continue
		}
		switch key {
		case "status":
			var value string
			if err := json.Unmarshal(raw, &value); err != nil {
				return cards.CardPatch{}, fmt.Errorf("status: %w", err)
			}
			status := cards.Status(value)
			patch.Status = &status
		case "sortOrder":
			if isNull {
				continue
			}
			var value int
			if err := json.Unmarshal(raw, &value); err != nil {
				return cards.CardPatch{}, fmt.Errorf("sortOrder: %w", err)
			}
			patch.SortOrder = &value
		case "expectedVersion":
			if isNull {
				continue
			}
			var value int64
			if err := json.Unmarshal(raw, &value); err != nil {
				return cards.CardPatch{}, fmt.Errorf("expectedVersion: %w", err)
			}
			patch.ExpectedVersion = &value
		default:
			if _, reserved := reservedPatchKeys[key]; reserved {
				continue
			}
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return cards.CardPatch{}, fmt.Errorf("%s: %w", key, err)
			}
			if patch.Extra == nil {
				patch.Extra = make(map[string]any)
			}
			patch.Extra[key] = value
		}
	}
	return patch, nil
}

type reorderRequestPayload struct {
	DeliveryDate string   `json:"deliveryDate"`
	CardIDs      []string `json:"cardIds"`
}

func (h *httpHandler) handleReorderCardStates(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	var request reorderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.CardIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	cardIDs := make([]cards.CardID, 0, len(request.CardIDs))
	for _, rawID := range request.CardIDs {
		cardID, err := cards.ParseCardID(rawID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
			return
		}
		cardIDs = append(cardIDs, cardID)
	}

	states, err := h.cardStore.Reorder(c.Request.Context(), tenantID, strings.TrimSpace(request.DeliveryDate), cardIDs)
	if err != nil {
		h.respondError(c, "reorder_failed", err)
		return
	}
	h.publishStates(tenantID, states)
	c.JSON(http.StatusOK, gin.H{"cards": newCardStatePayloads(states)})
}

type realtimeCheckPayload struct {
	Changes       []cardStatePayload `json:"changes"`
	Timestamp     string             `json:"timestamp"`
	WindowSeconds int                `json:"windowSeconds"`
}

// handleRealtimeCheck serves the fixed look-back window. The server keeps no
// per-poller state; clients dedupe with their own session.
func (h *httpHandler) handleRealtimeCheck(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	window := h.feedWindow
	if rawWindow := strings.TrimSpace(c.Query("window")); rawWindow != "" {
		seconds, err := strconv.Atoi(rawWindow)
		if err != nil || seconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window"})
			return
		}
		window = time.Duration(seconds) * time.Second
	}
	if window > h.maxFeedWindow {
		window = h.maxFeedWindow
	}

	now := h.cardStore.Now()
	states, err := h.cardStore.ChangedWithin(c.Request.Context(), tenantID, now.Add(-window))
	if err != nil {
		h.respondError(c, "realtime_check_failed", err)
		return
	}
	c.JSON(http.StatusOK, realtimeCheckPayload{
		Changes:       newCardStatePayloads(states),
		Timestamp:     now.Format(time.RFC3339Nano),
		WindowSeconds: int(window / time.Second),
	})
}

func (h *httpHandler) handleGetCardConfig(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	document, err := h.configStore.Get(c.Request.Context(), tenantID)
	if err != nil {
		h.respondError(c, "config_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configuration": document})
}

func (h *httpHandler) handlePutCardConfig(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	document, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.configStore.Put(c.Request.Context(), tenantID, document); err != nil {
		h.respondError(c, "config_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configuration": json.RawMessage(document)})
}

func (h *httpHandler) publishCreated(c *gin.Context, tenantID cards.TenantID, deliveryDate string, created []cards.CardID) {
	if len(created) == 0 || deliveryDate == "" {
		return
	}
	states, err := h.cardStore.ListSince(c.Request.Context(), tenantID, deliveryDate, nil)
	if err != nil {
		return
	}
	wanted := make(map[string]struct{}, len(created))
	for _, cardID := range created {
		wanted[cardID.String()] = struct{}{}
	}
	fresh := make([]cards.CardState, 0, len(created))
	for _, state := range states {
		if _, ok := wanted[state.CardID]; ok {
			fresh = append(fresh, state)
		}
	}
	h.publishStates(tenantID, fresh)
}

func (h *httpHandler) publishStates(tenantID cards.TenantID, states []cards.CardState) {
	if h.realtime == nil || len(states) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		TenantID:  tenantID.String(),
		EventType: RealtimeEventCardChanged,
		CardIDs:   collectChangedCardIDs(states),
		Changes:   newCardStatePayloads(states),
		Timestamp: h.cardStore.Now(),
	})
}

// collectChangedCardIDs returns the sorted, de-duplicated card ids of states.
func collectChangedCardIDs(states []cards.CardState) []string {
	if len(states) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(states))
	ids := make([]string, 0, len(states))
	for _, state := range states {
		if state.CardID == "" {
			continue
		}
		if _, duplicate := seen[state.CardID]; duplicate {
			continue
		}
		seen[state.CardID] = struct{}{}
		ids = append(ids, state.CardID)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return ids
}
