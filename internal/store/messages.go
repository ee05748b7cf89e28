package store

import "github.com/MarcoPoloResearchLab/backchannel/internal/chat"

// LoadMessages reads the cached messages for room. Missing or corrupt
// content returns an empty slice.
func (s *Store) LoadMessages(room string) []chat.Message {
	var messages []chat.Message
	if !s.Load(CacheKey(room), &messages) {
		return nil
	}
	return messages
}

// SaveMessages replaces the cached messages for room.
func (s *Store) SaveMessages(room string, messages []chat.Message) error {
	if messages == nil {
		messages = []chat.Message{}
	}
	return s.Save(CacheKey(room), messages)
}
