package chat

import (
	"encoding/json"
	"errors"

	"cookroom/internal/room"
)

// ---------------------------------------------
// Wire envelope
// ---------------------------------------------

// Envelope is every websocket frame, in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var ErrUnknownEvent = errors.New("unknown event")

// Inbound events.
const (
	EventJoinRoom    = "join-room"
	EventChatMessage = "chat-message"
	EventNextStep    = "next-step"
	EventStartTimer  = "start-timer"
	EventAIQuestion  = "ai-question"
	EventSharePhoto  = "share-photo"
)

// Outbound events.
const (
	EventUserJoined   = "user-joined"
	EventRoomFull     = "room-full"
	EventNewMessage   = "new-message"
	EventStepUpdated  = "step-updated"
	EventTimerStarted = "timer-started"
	EventPhotoShared  = "photo-shared"
	EventUserLeft     = "user-left"
)

const roomFullText = "Room is full (max 8 participants)"

// ---------------------------------------------
// Inbound payloads
// ---------------------------------------------

type joinRoomPayload struct {
	RoomCode string      `json:"roomCode"`
	Username string      `json:"username"`
	Recipe   room.Recipe `json:"recipe"`
}

type chatMessagePayload struct {
	Message string `json:"message"`
}

type nextStepPayload struct {
	Step int `json:"step"`
}

type startTimerPayload struct {
	Duration int `json:"duration"`
}

type aiQuestionPayload struct {
	Question string `json:"question"`
}

// The photo is relayed untouched, whatever the client encoded it as.
type sharePhotoPayload struct {
	Photo    json.RawMessage `json:"photo"`
	Filename string          `json:"filename"`
}

// ---------------------------------------------
// Outbound payloads
// ---------------------------------------------

type userJoinedPayload struct {
	Participants []room.Participant `json:"participants"`
	Recipe       room.Recipe        `json:"recipe"`
	Messages     []room.Message     `json:"messages"`
}

type roomFullPayload struct {
	Message string `json:"message"`
}

type stepUpdatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Step     int    `json:"step"`
}

type timerStartedPayload struct {
	Duration  int    `json:"duration"`
	StartedBy string `json:"startedBy"`
}

type photoSharedPayload struct {
	Username  string          `json:"username"`
	Photo     json.RawMessage `json:"photo"`
	Filename  string          `json:"filename"`
	Timestamp string          `json:"timestamp"`
}

type userLeftPayload struct {
	Username     string             `json:"username"`
	Participants []room.Participant `json:"participants"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
