package chat

import (
	"encoding/json"
	"fmt"

	"cookroom/internal/assistant"
	"cookroom/internal/room"
)

// dispatch decodes an inbound frame and runs its handler. Frames that do not
// decode are logged and dropped; the connection stays open.
func (h *Hub) dispatch(c *Client, env Envelope) {
	var err error
	switch env.Event {
	case EventJoinRoom:
		var p joinRoomPayload
		if err = decode(env, &p); err == nil {
			h.handleJoin(c, p)
		}
	case EventChatMessage:
		var p chatMessagePayload
		if err = decode(env, &p); err == nil {
			h.handleChat(c, p)
		}
	case EventNextStep:
		var p nextStepPayload
		if err = decode(env, &p); err == nil {
			h.handleNextStep(c, p)
		}
	case EventStartTimer:
		var p startTimerPayload
		if err = decode(env, &p); err == nil {
			h.handleStartTimer(c, p)
		}
	case EventAIQuestion:
		var p aiQuestionPayload
		if err = decode(env, &p); err == nil {
			h.handleAIQuestion(c, p)
		}
	case EventSharePhoto:
		var p sharePhotoPayload
		if err = decode(env, &p); err == nil {
			h.handleSharePhoto(c, p)
		}
	default:
		err = fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		h.log.Debug("dropping frame", "conn", c.ID, "event", env.Event, "err", err)
	}
}

func decode(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, dst)
}

// resolve finds the caller's registration and room. Every room-scoped
// handler goes through it and does nothing when it fails.
func (h *Hub) resolve(c *Client) (room.Connection, *room.Room, bool) {
	conn, ok := h.registry.Lookup(c.ID)
	if !ok {
		return room.Connection{}, nil, false
	}
	r, ok := h.store.Get(conn.RoomCode)
	if !ok {
		return room.Connection{}, nil, false
	}
	return conn, r, true
}

func (h *Hub) handleJoin(c *Client, p joinRoomPayload) {
	conn, joined := h.registry.Lookup(c.ID)

	// Joining the room you are already in just resends its snapshot.
	if joined && conn.RoomCode == p.RoomCode {
		if r, ok := h.store.Get(p.RoomCode); ok {
			h.send(c, EventUserJoined, snapshot(r))
		}
		return
	}

	// A rejected join leaves the caller where it was, so capacity is checked
	// before the old room is left.
	if target, ok := h.store.Get(p.RoomCode); ok && target.Full() {
		h.rejectFull(c, p.RoomCode)
		return
	}

	// One room per connection: joining another room leaves the old one first.
	if joined {
		h.leave(c.ID)
	}

	r := h.store.GetOrCreate(p.RoomCode, p.Recipe)
	if !h.store.AddParticipant(r, room.Participant{ID: c.ID, Username: p.Username}) {
		h.rejectFull(c, p.RoomCode)
		return
	}
	h.registry.Register(c.ID, p.RoomCode, p.Username)
	h.log.Info("user joined", "room", p.RoomCode, "user", p.Username, "participants", len(r.Participants))

	h.emit(p.RoomCode, EventUserJoined, snapshot(r))
}

func (h *Hub) rejectFull(c *Client, roomCode string) {
	h.log.Info("room full", "room", roomCode, "conn", c.ID)
	h.send(c, EventRoomFull, roomFullPayload{Message: roomFullText})
}

func snapshot(r *room.Room) userJoinedPayload {
	return userJoinedPayload{
		Participants: r.Roster(),
		Recipe:       r.Recipe,
		Messages:     r.History(),
	}
}

func (h *Hub) handleChat(c *Client, p chatMessagePayload) {
	conn, r, ok := h.resolve(c)
	if !ok {
		return
	}
	msg := room.NewMessage(conn.Username, p.Message, room.MessageUser, h.now())
	h.store.AppendMessage(r, msg)
	h.emit(conn.RoomCode, EventNewMessage, msg)
}

func (h *Hub) handleNextStep(c *Client, p nextStepPayload) {
	conn, r, ok := h.resolve(c)
	if !ok {
		return
	}
	participant, ok := r.SetStep(c.ID, p.Step)
	if !ok {
		return
	}
	h.emit(conn.RoomCode, EventStepUpdated, stepUpdatedPayload{
		UserID:   participant.ID,
		Username: participant.Username,
		Step:     participant.Step,
	})
}

// Timers are advisory. Clients count down locally; the server keeps no clock.
func (h *Hub) handleStartTimer(c *Client, p startTimerPayload) {
	conn, _, ok := h.resolve(c)
	if !ok {
		return
	}
	h.emit(conn.RoomCode, EventTimerStarted, timerStartedPayload{
		Duration:  p.Duration,
		StartedBy: conn.Username,
	})
}

func (h *Hub) handleSharePhoto(c *Client, p sharePhotoPayload) {
	conn, _, ok := h.resolve(c)
	if !ok {
		return
	}
	h.emit(conn.RoomCode, EventPhotoShared, photoSharedPayload{
		Username:  conn.Username,
		Photo:     p.Photo,
		Filename:  p.Filename,
		Timestamp: h.now().Format(room.TimestampLayout),
	})
}

// handleAIQuestion snapshots the asker's context and calls the advisor off the
// loop. Other events keep flowing meanwhile, so the answer may land after
// messages sent later.
func (h *Hub) handleAIQuestion(c *Client, p aiQuestionPayload) {
	conn, r, ok := h.resolve(c)
	if !ok {
		return
	}
	step := 0
	if participant, ok := r.Participant(c.ID); ok {
		step = participant.Step
	}
	in := assistant.Context{Recipe: r.Recipe, Step: step, Question: p.Question}

	ctx := h.ctx
	go func() {
		outcome := h.advisor.Ask(ctx, in)
		select {
		case h.answers <- answer{roomCode: conn.RoomCode, room: r, outcome: outcome}:
		case <-h.done:
		}
	}()
}

// applyAnswer records exactly one ai message per question, answer or not.
// If the room was deleted in the meantime the message goes nowhere.
func (h *Hub) applyAnswer(a answer) {
	if fb, ok := a.outcome.(assistant.Fallback); ok {
		h.log.Warn("assistant fallback", "room", a.roomCode, "err", fb.Reason)
	}
	msg := room.NewMessage(assistant.AuthorName, a.outcome.Text(), room.MessageAI, h.now())
	h.store.AppendMessage(a.room, msg)

	if current, ok := h.store.Get(a.roomCode); !ok || current != a.room {
		return
	}
	h.emit(a.roomCode, EventNewMessage, msg)
}

// leave is the disconnect transition. Unknown connections are a no-op.
func (h *Hub) leave(connID string) {
	conn, ok := h.registry.Lookup(connID)
	if !ok {
		return
	}
	h.registry.Unregister(connID)

	r, ok := h.store.Get(conn.RoomCode)
	if !ok {
		return
	}
	h.store.RemoveParticipant(r, connID)
	h.emit(conn.RoomCode, EventUserLeft, userLeftPayload{
		Username:     conn.Username,
		Participants: r.Roster(),
	})
	if h.store.DeleteIfEmpty(conn.RoomCode) {
		h.log.Info("room closed", "room", conn.RoomCode)
	}
}
