package handlers

import (
	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/middleware"
)

// RegisterRoutes mounts the authenticated REST API.
func RegisterRoutes(router gin.IRouter, authMiddleware gin.HandlerFunc, conversations *ConversationHandler, staff *StaffHandler) {
	api := router.Group("", authMiddleware)

	api.GET("/conversations", conversations.ListConversations)
	api.GET("/conversations/:conversation_id/messages", conversations.GetMessages)
	api.POST("/conversations/:conversation_id/messages", conversations.PostMessage)
	api.POST("/conversations/:conversation_id/read", conversations.MarkRead)
	api.GET("/notifications/unread", conversations.UnreadCount)

	staffOnly := api.Group("", middleware.RequireStaff())
	staffOnly.POST("/internal/system-messages", staff.PostSystemMessage)
	staffOnly.POST("/internal/order-updates", staff.PostOrderUpdate)
	staffOnly.POST("/conversations/:conversation_id/moderator", staff.JoinAsModerator)
	staffOnly.DELETE("/conversations/:conversation_id/moderator", staff.LeaveAsModerator)
	staffOnly.POST("/conversations/:conversation_id/dispute", staff.SetDisputed)
}
