package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/messaging"
)

// StaffHandler exposes the back-office operations. Routes are guarded by
// middleware.RequireStaff.
type StaffHandler struct {
	messages *messaging.Service
}

func NewStaffHandler(messages *messaging.Service) *StaffHandler {
	return &StaffHandler{messages: messages}
}

// PostSystemMessage posts a sender-less notice into a conversation.
func (h *StaffHandler) PostSystemMessage(c *gin.Context) {
	var req struct {
		ConversationID int64  `json:"conversation_id" binding:"required"`
		Content        string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.SendSystemMessage(c.Request.Context(), req.ConversationID, req.Content)
	if err != nil {
		writeError(c, err, "failed to store system message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// PostOrderUpdate pushes an order status change to a user's notification channel.
func (h *StaffHandler) PostOrderUpdate(c *gin.Context) {
	var req struct {
		Username string         `json:"username" binding:"required"`
		Message  string         `json:"message" binding:"required"`
		Context  map[string]any `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.messages.NotifyOrderUpdate(c.Request.Context(), req.Username, req.Message, req.Context); err != nil {
		writeError(c, err, "failed to publish order update")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *StaffHandler) JoinAsModerator(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	conv, err := h.messages.JoinAsModerator(c.Request.Context(), conversationID, callerFromContext(c))
	if err != nil {
		writeError(c, err, "failed to join conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *StaffHandler) LeaveAsModerator(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	conv, err := h.messages.LeaveAsModerator(c.Request.Context(), conversationID, callerFromContext(c))
	if err != nil {
		writeError(c, err, "failed to leave conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// SetDisputed opens a dispute, or resolves it with {"disputed": false}.
func (h *StaffHandler) SetDisputed(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Disputed *bool `json:"disputed" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.messages.SetDisputed(c.Request.Context(), conversationID, callerFromContext(c), *req.Disputed)
	if err != nil {
		writeError(c, err, "failed to update dispute")
		return
	}
	c.JSON(http.StatusOK, conv)
}
