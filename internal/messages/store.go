// Package messages holds the ordered, deduplicated message list of the
// active conversation.
package messages

import (
	"sync"

	"github.com/p-blackswan/chatsync/internal/models"
)

// Listener receives a copy of the list after every change.
type Listener func(conversationID string, msgs []models.Message)

// Store is safe for concurrent use. Message ids are unique within it.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	msgs           []models.Message
	index          map[string]int

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		index:     make(map[string]int),
		listeners: make(map[int]Listener),
	}
}

// Append adds m at the end. It is a no-op, returning false, when a message
// with the same id is already present or m has no id.
func (s *Store) Append(m models.Message) bool {
	s.mu.Lock()
	if m.ID == "" {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.index[m.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.index[m.ID] = len(s.msgs)
	s.msgs = append(s.msgs, m.Clone())
	s.mu.Unlock()

	s.notify()
	return true
}

// ReplaceFrom truncates the list at messageID. With inclusive the message
// itself is removed too. Returns false if the id is unknown.
func (s *Store) ReplaceFrom(messageID string, inclusive bool) bool {
	s.mu.Lock()
	i, ok := s.index[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !inclusive {
		i++
	}
	for _, m := range s.msgs[i:] {
		delete(s.index, m.ID)
	}
	s.msgs = s.msgs[:i:i]
	s.mu.Unlock()

	s.notify()
	return true
}

// LoadAll replaces the whole list with msgs for conversationID. Repeated
// ids in msgs keep their first occurrence.
func (s *Store) LoadAll(conversationID string, msgs []models.Message) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.msgs = make([]models.Message, 0, len(msgs))
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		s.add(m)
	}
	s.mu.Unlock()

	s.notify()
}

// Reload replaces the list with history like LoadAll, then re-appends the
// entries already held for conversationID that history lacks. Those are
// messages that arrived while history was being fetched.
func (s *Store) Reload(conversationID string, history []models.Message) {
	s.mu.Lock()
	var held []models.Message
	if s.conversationID == conversationID {
		held = s.msgs
	}
	s.conversationID = conversationID
	s.msgs = make([]models.Message, 0, len(history)+len(held))
	s.index = make(map[string]int, len(history)+len(held))
	for _, m := range history {
		s.add(m)
	}
	for _, m := range held {
		if m.ConversationID != "" && m.ConversationID != conversationID {
			continue
		}
		s.add(m)
	}
	s.mu.Unlock()

	s.notify()
}

// add appends m unless its id is empty or known. s.mu must be held.
func (s *Store) add(m models.Message) {
	if m.ID == "" {
		return
	}
	if _, dup := s.index[m.ID]; dup {
		return
	}
	s.index[m.ID] = len(s.msgs)
	s.msgs = append(s.msgs, m.Clone())
}

// SetStatus updates the local delivery status of a message.
func (s *Store) SetStatus(messageID string, status models.MessageStatus) bool {
	s.mu.Lock()
	i, ok := s.index[messageID]
	if !ok || s.msgs[i].Status == status {
		s.mu.Unlock()
		return false
	}
	s.msgs[i].Status = status
	s.mu.Unlock()

	s.notify()
	return true
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[messageID]
	if !ok {
		return models.Message{}, false
	}
	return s.msgs[i].Clone(), true
}

// Has reports whether a message with the id is present.
func (s *Store) Has(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[messageID]
	return ok
}

// Messages returns a copy of the list in order.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Conversation returns the conversation the list belongs to.
func (s *Store) Conversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) copyLocked() []models.Message {
	out := make([]models.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

func (s *Store) notify() {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.Unlock()
	if len(ls) == 0 {
		return
	}

	s.mu.RLock()
	conv := s.conversationID
	msgs := s.copyLocked()
	s.mu.RUnlock()

	for _, l := range ls {
		l(conv, msgs)
	}
}
