package room

import (
	"slices"

	"github.com/samber/lo"
)

// Store owns every Room and its participants, keyed by room code.
//
// A Store is not safe for concurrent use. The chat hub is its single owner and
// mutates it from one goroutine only.
type Store struct {
	rooms      map[string]*Room
	maxHistory int // 0 keeps the whole log
}

func NewStore(maxHistory int) *Store {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Store{
		rooms:      make(map[string]*Room),
		maxHistory: maxHistory,
	}
}

func (s *Store) Get(code string) (*Room, bool) {
	r, ok := s.rooms[code]
	return r, ok
}

// GetOrCreate returns the room for code, creating it when absent.
//
// The recipe is only used when the room is created. Later joiners cannot
// replace it, whatever they send.
func (s *Store) GetOrCreate(code string, recipe Recipe) *Room {
	if r, ok := s.rooms[code]; ok {
		return r
	}
	r := &Room{
		Code:         code,
		Recipe:       recipe,
		Participants: make([]Participant, 0, MaxParticipants),
		Messages:     make([]Message, 0),
	}
	s.rooms[code] = r
	return r
}

// AddParticipant appends p in join order. It reports false when the room is full.
func (s *Store) AddParticipant(r *Room, p Participant) bool {
	if r.Full() {
		return false
	}
	r.Participants = append(r.Participants, p)
	return true
}

func (s *Store) RemoveParticipant(r *Room, connID string) {
	_, idx, ok := lo.FindIndexOf(r.Participants, func(p Participant) bool {
		return p.ID == connID
	})
	if !ok {
		return
	}
	r.Participants = slices.Delete(r.Participants, idx, idx+1)
}

// DeleteIfEmpty drops the room and its history once the last participant has left.
func (s *Store) DeleteIfEmpty(code string) bool {
	r, ok := s.rooms[code]
	if !ok || !r.Empty() {
		return false
	}
	delete(s.rooms, code)
	return true
}

// AppendMessage adds m to the room log, dropping the oldest entries past maxHistory.
func (s *Store) AppendMessage(r *Room, m Message) {
	r.Messages = append(r.Messages, m)
	if s.maxHistory > 0 && len(r.Messages) > s.maxHistory {
		r.Messages = slices.Clone(r.Messages[len(r.Messages)-s.maxHistory:])
	}
}

func (s *Store) Len() int {
	return len(s.rooms)
}

// Participant finds the membership record for a connection.
func (r *Room) Participant(connID string) (Participant, bool) {
	return lo.Find(r.Participants, func(p Participant) bool {
		return p.ID == connID
	})
}

// SetStep overwrites a participant's step as-is. No bounds or ordering checks.
func (r *Room) SetStep(connID string, step int) (Participant, bool) {
	for i := range r.Participants {
		if r.Participants[i].ID == connID {
			r.Participants[i].Step = step
			return r.Participants[i], true
		}
	}
	return Participant{}, false
}

// Roster and History return copies so broadcasts never alias live state.
func (r *Room) Roster() []Participant {
	return slices.Clone(r.Participants)
}

func (r *Room) History() []Message {
	return slices.Clone(r.Messages)
}
