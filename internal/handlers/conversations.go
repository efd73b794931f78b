package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

// ConversationHandler serves the REST side of conversations.
type ConversationHandler struct {
	store    repositories.Store
	messages *messaging.Service
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(store repositories.Store, messages *messaging.Service) *ConversationHandler {
	return &ConversationHandler{store: store, messages: messages}
}

type conversationResponse struct {
	ID           int64     `json:"id"`
	Participants []string  `json:"participants"`
	Peer         string    `json:"peer,omitempty"`
	ModeratorID  *int64    `json:"moderator_id,omitempty"`
	IsDisputed   bool      `json:"is_disputed"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type messageResponse struct {
	models.Message
	SenderUsername string `json:"sender_username"`
}

// ListConversations returns the conversations the caller takes part in or moderates.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	caller := callerFromContext(c)

	convs, err := h.store.Conversations.ListConversations(c.Request.Context(), caller.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	names := newUsernameCache(h.store.Users)
	resp := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		p1 := names.lookup(c, conv.Participant1ID)
		p2 := names.lookup(c, conv.Participant2ID)
		item := conversationResponse{
			ID:           conv.ID,
			Participants: []string{p1, p2},
			ModeratorID:  conv.ModeratorID,
			IsDisputed:   conv.IsDisputed,
			UpdatedAt:    conv.UpdatedAt,
		}
		if peer := conv.PeerOf(caller.ID); peer != 0 {
			item.Peer = names.lookup(c, peer)
		}
		resp = append(resp, item)
	}

	c.JSON(http.StatusOK, gin.H{"conversations": resp})
}

// GetMessages returns the history of a conversation.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	caller := callerFromContext(c)

	conv, err := h.store.Conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, err, "failed to load conversation")
		return
	}
	if !conv.CanRead(caller.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	}

	msgs, err := h.store.Messages.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	names := newUsernameCache(h.store.Users)
	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		sender := models.SystemSenderName
		if m.SenderID != nil && !m.IsSystemMessage {
			sender = names.lookup(c, *m.SenderID)
		}
		resp = append(resp, messageResponse{Message: m, SenderUsername: sender})
	}

	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

// PostMessage stores a message and broadcasts it like the socket path does.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.store.Conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, err, "failed to load conversation")
		return
	}

	msg, err := h.messages.SendChatMessage(c.Request.Context(), conv, callerFromContext(c), req.Content)
	if err != nil {
		writeError(c, err, "failed to store message")
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// MarkRead flags every message from the other side as read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	conv, err := h.store.Conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, err, "failed to load conversation")
		return
	}

	updated, err := h.messages.MarkConversationRead(c.Request.Context(), conv, callerFromContext(c))
	if err != nil {
		writeError(c, err, "failed to mark messages read")
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// UnreadCount returns how many conversations hold unread messages for the caller.
func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	count, err := h.messages.UnreadCount(c.Request.Context(), callerFromContext(c).ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count unread conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_conversations_count": count})
}

// usernameCache resolves user ids once per request.
type usernameCache struct {
	users repositories.UserRepository
	names map[int64]string
}

func newUsernameCache(users repositories.UserRepository) *usernameCache {
	return &usernameCache{users: users, names: map[int64]string{}}
}

func (u *usernameCache) lookup(c *gin.Context, id int64) string {
	if name, ok := u.names[id]; ok {
		return name
	}
	user, err := u.users.GetUser(c.Request.Context(), id)
	if err != nil {
		return ""
	}
	u.names[id] = user.Username
	return user.Username
}
