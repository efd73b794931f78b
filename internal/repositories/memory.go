package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"marketplace-chat/internal/models"
)

// MemoryStore keeps users, conversations and messages in process memory.
// It backs single-node development runs without DB_DSN and the tests.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[int64]models.User
	conversations map[int64]models.Conversation
	messages      []models.Message
	nextUser      int64
	nextConv      int64
	nextMsg       int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		users:         make(map[int64]models.User),
		conversations: make(map[int64]models.Conversation),
	}
}

// Store exposes the memory store through the repository interfaces.
func (s *MemoryStore) Store() Store {
	return Store{Users: s, Conversations: s, Messages: s}
}

// SetClock replaces the time source used for created_at and updated_at.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddUser registers an account and returns it.
func (s *MemoryStore) AddUser(username string, staff bool) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	user := models.User{ID: s.nextUser, Username: username, IsStaff: staff}
	s.users[user.ID] = user
	return user
}

func (s *MemoryStore) GetUser(_ context.Context, userID int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			return user, nil
		}
	}
	return models.User{}, ErrUserNotFound
}

func (s *MemoryStore) TouchLastSeen(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	seen := at.UTC()
	user.LastSeen = &seen
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) RecentlyIdleUsers(_ context.Context, from, to time.Time) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := lo.Filter(lo.Values(s.users), func(u models.User, _ int) bool {
		return u.LastSeen != nil && !u.LastSeen.Before(from) && u.LastSeen.Before(to)
	})
	sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })
	return idle, nil
}

func (s *MemoryStore) GetOrCreateConversation(_ context.Context, userA, userB int64) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, ErrSelfConversation
	}
	p1, p2 := models.CanonicalPair(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if conv.Participant1ID == p1 && conv.Participant2ID == p2 {
			return conv, nil
		}
	}
	s.nextConv++
	now := s.now().UTC()
	conv := models.Conversation{ID: s.nextConv, Participant1ID: p1, Participant2ID: p2, CreatedAt: now, UpdatedAt: now}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID int64) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID int64) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := lo.Filter(lo.Values(s.conversations), func(c models.Conversation, _ int) bool {
		return c.CanRead(userID)
	})
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

func (s *MemoryStore) ConversationPartners(_ context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, conv := range s.conversations {
		if conv.CanRead(userID) {
			ids = append(ids, conv.Participant1ID, conv.Participant2ID)
		}
	}
	ids = lo.Without(lo.Uniq(ids), userID)
	names := lo.FilterMap(ids, func(id int64, _ int) (string, bool) {
		user, ok := s.users[id]
		return user.Username, ok
	})
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) SetModerator(_ context.Context, conversationID int64, moderatorID *int64) (models.Conversation, error) {
	return s.updateConversation(conversationID, func(c *models.Conversation) { c.ModeratorID = moderatorID })
}

func (s *MemoryStore) SetDisputed(_ context.Context, conversationID int64, disputed bool) (models.Conversation, error) {
	return s.updateConversation(conversationID, func(c *models.Conversation) { c.IsDisputed = disputed })
}

func (s *MemoryStore) updateConversation(conversationID int64, apply func(*models.Conversation)) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	apply(&conv)
	conv.UpdatedAt = s.now().UTC()
	s.conversations[conversationID] = conv
	return conv, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, conversationID int64, senderID *int64, content string, isSystem bool) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, ErrConversationNotFound
	}
	now := s.now().UTC()
	s.nextMsg++
	msg := models.Message{
		ID:              s.nextMsg,
		ConversationID:  conversationID,
		SenderID:        senderID,
		Content:         content,
		IsSystemMessage: isSystem,
		CreatedAt:       now,
	}
	s.messages = append(s.messages, msg)
	conv.UpdatedAt = now
	s.conversations[conversationID] = conv
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.messages, func(m models.Message, _ int) bool {
		return m.ConversationID == conversationID
	}), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID int64, readerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.conversations[conversationID].HasParticipant(readerID) {
		return 0, nil
	}
	var updated int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.ConversationID == conversationID && !m.IsRead && !m.SentBy(readerID) {
			m.IsRead = true
			updated++
		}
	}
	return updated, nil
}

func (s *MemoryStore) MarkMessageRead(_ context.Context, messageID int64, readerID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.ID != messageID {
			continue
		}
		conv := s.conversations[m.ConversationID]
		if !conv.HasParticipant(readerID) || m.SentBy(readerID) || m.IsRead {
			return 0, false, nil
		}
		m.IsRead = true
		return m.ConversationID, true, nil
	}
	return 0, false, nil
}

func (s *MemoryStore) UnreadConversationCount(_ context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unread := map[int64]struct{}{}
	for _, m := range s.messages {
		if m.IsRead || m.SentBy(userID) {
			continue
		}
		if s.conversations[m.ConversationID].HasParticipant(userID) {
			unread[m.ConversationID] = struct{}{}
		}
	}
	return len(unread), nil
}

var (
	_ UserRepository         = (*MemoryStore)(nil)
	_ ConversationRepository = (*MemoryStore)(nil)
	_ MessageRepository      = (*MemoryStore)(nil)
	_ UserRepository         = (*UserRepo)(nil)
	_ ConversationRepository = (*ConversationRepo)(nil)
	_ MessageRepository      = (*MessageRepo)(nil)
)
