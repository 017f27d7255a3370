package room

import "time"

// MaxParticipants is the hard cap per room. The next join is rejected, not queued.
const MaxParticipants = 8

// TimestampLayout is how message and photo timestamps are rendered for display.
const TimestampLayout = "3:04:05 PM"

type MessageType string

const (
	MessageUser MessageType = "user"
	MessageAI   MessageType = "ai"
)

// Recipe is the snapshot supplied by whoever creates the room.
type Recipe struct {
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients"`
	CookingTime int      `json:"cookingTime"`
}

type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Step     int    `json:"step"`
	Ready    bool   `json:"ready"` // carried on the wire, never set by the server
}

type Message struct {
	ID        int64       `json:"id"` // creation time in ms, display only
	Username  string      `json:"username"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Type      MessageType `json:"type"`
}

// NewMessage stamps a message with the given wall-clock time.
func NewMessage(author, body string, kind MessageType, at time.Time) Message {
	return Message{
		ID:        at.UnixMilli(),
		Username:  author,
		Message:   body,
		Timestamp: at.Format(TimestampLayout),
		Type:      kind,
	}
}

// Room is one cooking session. CurrentStep and StartTime are reserved for
// room-wide progress and are never set; each participant tracks its own step.
type Room struct {
	Code         string
	Recipe       Recipe
	Participants []Participant
	Messages     []Message
	CurrentStep  int
	StartTime    *time.Time
}

func (r *Room) Full() bool {
	return len(r.Participants) >= MaxParticipants
}

func (r *Room) Empty() bool {
	return len(r.Participants) == 0
}
