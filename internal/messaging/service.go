package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrNotParticipant   = errors.New("user is not part of the conversation")
	ErrNotModerator     = errors.New("user is not the conversation moderator")
	ErrAlreadyModerated = errors.New("conversation already has a moderator")
	ErrEmptyOrderUpdate = errors.New("order update message is empty")
)

// Publisher is the broadcast side of the bus.
type Publisher interface {
	Publish(ctx context.Context, group string, evt models.Event) error
}

// Service persists state changes and then announces them on the bus. Every
// producer, socket or HTTP, goes through it so events follow successful
// writes only.
type Service struct {
	store repositories.Store
	bus   Publisher
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store repositories.Store, bus Publisher, log *zap.Logger) *Service {
	return &Service{store: store, bus: bus, log: log, now: time.Now}
}

// SendChatMessage stores content from sender and fans it out to the
// conversation and to the unread counters of the other participants.
func (s *Service) SendChatMessage(ctx context.Context, conv models.Conversation, sender models.User, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}
	if !conv.CanRead(sender.ID) {
		return models.Message{}, ErrNotParticipant
	}

	senderID := sender.ID
	msg, err := s.store.Messages.CreateMessage(ctx, conv.ID, &senderID, content, false)
	if err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}

	s.publish(ctx, models.ChatGroup(conv.ID), models.NewChatMessageEvent(msg, sender.Username))
	for _, recipient := range recipientsOf(conv, sender.ID) {
		s.notifyUnread(ctx, recipient)
	}
	return msg, nil
}

// SendSystemMessage posts a notice without a sender and notifies both participants.
func (s *Service) SendSystemMessage(ctx context.Context, conversationID int64, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}
	conv, err := s.store.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("get conversation: %w", err)
	}

	msg, err := s.store.Messages.CreateMessage(ctx, conv.ID, nil, content, true)
	if err != nil {
		return models.Message{}, fmt.Errorf("create system message: %w", err)
	}

	s.publish(ctx, models.ChatGroup(conv.ID), models.NewChatMessageEvent(msg, models.SystemSenderName))
	for _, recipient := range recipientsOf(conv, 0) {
		s.notifyUnread(ctx, recipient)
	}
	return msg, nil
}

// NotifyOrderUpdate pushes an order status change to the user's notification channel.
func (s *Service) NotifyOrderUpdate(ctx context.Context, username, message string, details map[string]any) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyOrderUpdate
	}
	if _, err := s.store.Users.GetUserByUsername(ctx, username); err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	return s.bus.Publish(ctx, models.NotificationGroup(username), models.NewOrderUpdateEvent(message, details))
}

// MarkConversationRead flags every message reader did not send as read and,
// when anything changed, pushes the reader's new unread count. Only the two
// participants may clear read flags; a moderator gets ErrNotParticipant.
func (s *Service) MarkConversationRead(ctx context.Context, conv models.Conversation, reader models.User) (int64, error) {
	if !conv.HasParticipant(reader.ID) {
		return 0, ErrNotParticipant
	}
	updated, err := s.store.Messages.MarkRead(ctx, conv.ID, reader.ID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if updated > 0 {
		s.notifyReadReceipt(ctx, reader, conv.ID)
	}
	return updated, nil
}

// MarkMessageRead flags a single message. It reports whether the flag changed.
func (s *Service) MarkMessageRead(ctx context.Context, messageID int64, reader models.User) (bool, error) {
	conversationID, changed, err := s.store.Messages.MarkMessageRead(ctx, messageID, reader.ID)
	if err != nil {
		return false, fmt.Errorf("mark message read: %w", err)
	}
	if changed {
		s.notifyReadReceipt(ctx, reader, conversationID)
	}
	return changed, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	count, err := s.store.Messages.UnreadConversationCount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// BroadcastPresence tells every conversation partner of user about its state.
// It returns the number of partners notified.
func (s *Service) BroadcastPresence(ctx context.Context, user models.User, online bool, lastSeen *time.Time) (int, error) {
	partners, err := s.store.Conversations.ConversationPartners(ctx, user.ID)
	if err != nil {
		return 0, fmt.Errorf("conversation partners: %w", err)
	}
	evt := models.NewPresenceEvent(user.Username, online, lastSeen)
	for _, partner := range partners {
		s.publish(ctx, models.NotificationGroup(partner), evt)
	}
	return len(partners), nil
}

// TouchPresence records activity now and announces the new state.
func (s *Service) TouchPresence(ctx context.Context, user models.User, online bool) error {
	now := s.now().UTC()
	if err := s.store.Users.TouchLastSeen(ctx, user.ID, now); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	_, err := s.BroadcastPresence(ctx, user, online, &now)
	return err
}

// JoinAsModerator assigns staff to the conversation and marks it disputed.
func (s *Service) JoinAsModerator(ctx context.Context, conversationID int64, staff models.User) (models.Conversation, error) {
	conv, err := s.store.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if conv.ModeratorID != nil && *conv.ModeratorID != staff.ID {
		return conv, ErrAlreadyModerated
	}

	staffID := staff.ID
	if _, err := s.store.Conversations.SetModerator(ctx, conv.ID, &staffID); err != nil {
		return models.Conversation{}, fmt.Errorf("set moderator: %w", err)
	}
	if conv, err = s.store.Conversations.SetDisputed(ctx, conv.ID, true); err != nil {
		return models.Conversation{}, fmt.Errorf("set disputed: %w", err)
	}

	notice := fmt.Sprintf("Admin %s has joined this conversation to help resolve the dispute.", staff.Username)
	if _, err := s.SendSystemMessage(ctx, conv.ID, notice); err != nil {
		return conv, err
	}
	return conv, nil
}

// LeaveAsModerator removes staff from a conversation it moderates.
func (s *Service) LeaveAsModerator(ctx context.Context, conversationID int64, staff models.User) (models.Conversation, error) {
	conv, err := s.store.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if conv.ModeratorID == nil || *conv.ModeratorID != staff.ID {
		return conv, ErrNotModerator
	}

	notice := fmt.Sprintf("Admin %s has left the conversation.", staff.Username)
	if _, err := s.SendSystemMessage(ctx, conv.ID, notice); err != nil {
		return conv, err
	}
	if conv, err = s.store.Conversations.SetModerator(ctx, conv.ID, nil); err != nil {
		return models.Conversation{}, fmt.Errorf("clear moderator: %w", err)
	}
	return conv, nil
}

// SetDisputed flags or resolves a dispute. Resolving also releases the moderator.
func (s *Service) SetDisputed(ctx context.Context, conversationID int64, staff models.User, disputed bool) (models.Conversation, error) {
	conv, err := s.store.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if conv.IsDisputed == disputed {
		return conv, nil
	}

	var notice string
	if disputed {
		notice = fmt.Sprintf("Admin %s has opened a dispute for this conversation.", staff.Username)
	} else {
		notice = fmt.Sprintf("Admin %s has marked this dispute as resolved. If you have further issues, please create a support ticket.", staff.Username)
	}
	if _, err := s.SendSystemMessage(ctx, conv.ID, notice); err != nil {
		return conv, err
	}

	if conv, err = s.store.Conversations.SetDisputed(ctx, conv.ID, disputed); err != nil {
		return models.Conversation{}, fmt.Errorf("set disputed: %w", err)
	}
	if !disputed && conv.ModeratorID != nil {
		if conv, err = s.store.Conversations.SetModerator(ctx, conv.ID, nil); err != nil {
			return models.Conversation{}, fmt.Errorf("clear moderator: %w", err)
		}
	}
	return conv, nil
}

func (s *Service) notifyUnread(ctx context.Context, userID int64) {
	user, err := s.store.Users.GetUser(ctx, userID)
	if err != nil {
		s.log.Warn("unread notify: load user", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	count, err := s.store.Messages.UnreadConversationCount(ctx, userID)
	if err != nil {
		s.log.Warn("unread notify: count", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	s.publish(ctx, models.NotificationGroup(user.Username), models.NewUnreadCountEvent(count))
}

func (s *Service) notifyReadReceipt(ctx context.Context, reader models.User, conversationID int64) {
	count, err := s.store.Messages.UnreadConversationCount(ctx, reader.ID)
	if err != nil {
		s.log.Warn("read receipt: count", zap.Int64("user_id", reader.ID), zap.Error(err))
		return
	}
	s.publish(ctx, models.NotificationGroup(reader.Username), models.NewReadReceiptEvent(count, conversationID))
}

// publish logs bus failures; the write they follow has already succeeded.
func (s *Service) publish(ctx context.Context, group string, evt models.Event) {
	if err := s.bus.Publish(ctx, group, evt); err != nil {
		s.log.Error("bus publish failed",
			zap.String("group", group),
			zap.String("kind", string(evt.Kind)),
			zap.Error(err),
		)
	}
}

// recipientsOf lists the participants other than exclude.
func recipientsOf(conv models.Conversation, exclude int64) []int64 {
	out := make([]int64, 0, 2)
	for _, id := range []int64{conv.Participant1ID, conv.Participant2ID} {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
