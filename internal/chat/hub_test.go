package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cookroom/internal/assistant"
	"cookroom/internal/room"
)

var (
	fixedNow = time.Date(2026, 10, 18, 18, 0, 0, 0, time.UTC)
	pasta    = room.Recipe{Name: "Carbonara", Ingredients: []string{"spaghetti", "eggs"}, CookingTime: 20}
)

type stubAdvisor struct {
	outcome assistant.Outcome
	asked   chan assistant.Context
}

func (s *stubAdvisor) Ask(_ context.Context, in assistant.Context) assistant.Outcome {
	if s.asked != nil {
		s.asked <- in
	}
	return s.outcome
}

type recordingRelay struct {
	published []roomFrame
	err       error
}

func (r *recordingRelay) Publish(_ context.Context, roomCode string, payload []byte) error {
	r.published = append(r.published, roomFrame{roomCode: roomCode, payload: payload})
	return r.err
}

func newTestHub(advisor Advisor, opts ...Option) *Hub {
	if advisor == nil {
		advisor = &stubAdvisor{outcome: assistant.Answer{Body: "ok"}}
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewHub(room.NewStore(0), room.NewRegistry(), advisor, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

// connect attaches a fake client directly, the way the loop does on register.
func connect(h *Hub, id string) *Client {
	c := &Client{ID: id, Hub: h, Send: make(chan []byte, sendBuffer), log: h.log}
	h.clients[id] = c
	return c
}

func frame(t *testing.T, event string, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Envelope{Event: event, Data: raw}
}

func join(t *testing.T, h *Hub, c *Client, code, username string, recipe room.Recipe) {
	t.Helper()
	h.dispatch(c, frame(t, EventJoinRoom, joinRoomPayload{RoomCode: code, Username: username, Recipe: recipe}))
}

// received drains everything queued for c without blocking.
func received(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case b, ok := <-c.Send:
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func payload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func events(envs []Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, e := range envs {
		names = append(names, e.Event)
	}
	return names
}

func usernames(ps []room.Participant) []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Username)
	}
	return names
}

func TestHub_Scenario_AliceAndBob(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")

	join(t, h, alice, "ABC1", "Alice", pasta)
	join(t, h, bob, "ABC1", "Bob", room.Recipe{})
	received(t, alice)
	received(t, bob)

	h.dispatch(alice, frame(t, EventChatMessage, chatMessagePayload{Message: "hi"}))

	got := received(t, bob)
	req.Equal([]string{EventNewMessage}, events(got))
	msg := payload[room.Message](t, got[0])
	req.Equal("Alice", msg.Username)
	req.Equal("hi", msg.Message)
	req.Equal(room.MessageUser, msg.Type)
	req.Equal(fixedNow.UnixMilli(), msg.ID)
	req.Equal("6:00:00 PM", msg.Timestamp)

	h.drop(alice)
	got = received(t, bob)
	req.Equal([]string{EventUserLeft}, events(got))
	left := payload[userLeftPayload](t, got[0])
	req.Equal("Alice", left.Username)
	req.Equal([]string{"Bob"}, usernames(left.Participants))

	h.drop(bob)
	_, ok := h.store.Get("ABC1")
	req.False(ok)
	req.Zero(h.registry.Len())
}

func TestHub_JoinCapacity(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)

	var members []*Client
	for i := 1; i <= room.MaxParticipants; i++ {
		c := connect(h, fmt.Sprintf("c%d", i))
		join(t, h, c, "ABC1", fmt.Sprintf("user%d", i), pasta)
		members = append(members, c)

		r, ok := h.store.Get("ABC1")
		req.True(ok)
		req.Len(r.Participants, i)
	}
	for _, c := range members {
		received(t, c)
	}

	late := connect(h, "c9")
	join(t, h, late, "ABC1", "late", pasta)

	got := received(t, late)
	req.Equal([]string{EventRoomFull}, events(got))
	req.Equal(roomFullText, payload[roomFullPayload](t, got[0]).Message)

	r, _ := h.store.Get("ABC1")
	req.Len(r.Participants, room.MaxParticipants)
	_, registered := h.registry.Lookup("c9")
	req.False(registered)
	for _, c := range members {
		req.Empty(received(t, c), "room-full must only reach the requester")
	}

	// The rejected connection can still join elsewhere.
	join(t, h, late, "XYZ9", "late", pasta)
	req.Equal([]string{EventUserJoined}, events(received(t, late)))
}

func TestHub_JoinSnapshot(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")

	join(t, h, alice, "ABC1", "Alice", pasta)
	for _, body := range []string{"one", "two", "three"} {
		h.dispatch(alice, frame(t, EventChatMessage, chatMessagePayload{Message: body}))
	}
	received(t, alice)

	join(t, h, bob, "ABC1", "Bob", room.Recipe{Name: "Pancakes"})

	for _, c := range []*Client{alice, bob} {
		got := received(t, c)
		req.Equal([]string{EventUserJoined}, events(got))
		snap := payload[userJoinedPayload](t, got[0])
		req.Equal([]string{"Alice", "Bob"}, usernames(snap.Participants))
		req.Equal(pasta, snap.Recipe, "recipe is fixed by the first joiner")
		req.Len(snap.Messages, 3)
		req.Equal("one", snap.Messages[0].Message)
		req.Equal("three", snap.Messages[2].Message)
		req.Zero(snap.Participants[1].Step)
	}
}

func TestHub_ChatOrder(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")
	join(t, h, alice, "ABC1", "Alice", pasta)
	join(t, h, bob, "ABC1", "Bob", pasta)
	received(t, alice)
	received(t, bob)

	sent := []struct {
		from *Client
		body string
	}{{alice, "a1"}, {bob, "b1"}, {alice, "a2"}, {bob, "b2"}}
	for _, s := range sent {
		h.dispatch(s.from, frame(t, EventChatMessage, chatMessagePayload{Message: s.body}))
	}

	for _, c := range []*Client{alice, bob} {
		var bodies []string
		for _, env := range received(t, c) {
			bodies = append(bodies, payload[room.Message](t, env).Message)
		}
		req.Equal([]string{"a1", "b1", "a2", "b2"}, bodies)
	}
}

func TestHub_LastLeaveForgetsRoom(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice := connect(h, "alice")
	join(t, h, alice, "ABC1", "Alice", pasta)
	h.dispatch(alice, frame(t, EventChatMessage, chatMessagePayload{Message: "hello"}))
	h.drop(alice)

	_, ok := h.store.Get("ABC1")
	req.False(ok)

	carol := connect(h, "carol")
	join(t, h, carol, "ABC1", "Carol", room.Recipe{Name: "Soup"})
	got := received(t, carol)
	req.Equal([]string{EventUserJoined}, events(got))
	snap := payload[userJoinedPayload](t, got[0])
	req.Empty(snap.Messages)
	req.Equal("Soup", snap.Recipe.Name)
}

func TestHub_NextStepIsVerbatim(t *testing.T) {
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")
	join(t, h, alice, "ABC1", "Alice", pasta)
	join(t, h, bob, "ABC1", "Bob", pasta)
	received(t, alice)
	received(t, bob)

	for _, step := range []int{2, -3, 1000, 0} {
		t.Run(fmt.Sprint(step), func(t *testing.T) {
			req := require.New(t)
			h.dispatch(alice, frame(t, EventNextStep, nextStepPayload{Step: step}))

			for _, c := range []*Client{alice, bob} {
				got := received(t, c)
				req.Equal([]string{EventStepUpdated}, events(got))
				req.Equal(stepUpdatedPayload{UserID: "alice", Username: "Alice", Step: step},
					payload[stepUpdatedPayload](t, got[0]))
			}
			r, _ := h.store.Get("ABC1")
			p, _ := r.Participant("alice")
			req.Equal(step, p.Step)
		})
	}
}

func TestHub_TimerAndPhotoAreRelayedOnly(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")
	join(t, h, alice, "ABC1", "Alice", pasta)
	join(t, h, bob, "ABC1", "Bob", pasta)
	received(t, alice)
	received(t, bob)

	h.dispatch(bob, frame(t, EventStartTimer, startTimerPayload{Duration: 300}))
	h.dispatch(bob, frame(t, EventStartTimer, startTimerPayload{Duration: 60}))
	h.dispatch(alice, frame(t, EventSharePhoto, map[string]any{
		"photo":    "data:image/png;base64,iVBORw0KGgo=",
		"filename": "sauce.png",
	}))

	got := received(t, alice)
	req.Equal([]string{EventTimerStarted, EventTimerStarted, EventPhotoShared}, events(got))
	req.Equal(timerStartedPayload{Duration: 300, StartedBy: "Bob"}, payload[timerStartedPayload](t, got[0]))
	req.Equal(timerStartedPayload{Duration: 60, StartedBy: "Bob"}, payload[timerStartedPayload](t, got[1]))

	photo := payload[photoSharedPayload](t, got[2])
	req.Equal("Alice", photo.Username)
	req.Equal("sauce.png", photo.Filename)
	req.JSONEq(`"data:image/png;base64,iVBORw0KGgo="`, string(photo.Photo))
	req.Equal("6:00:00 PM", photo.Timestamp)

	req.Len(received(t, bob), 3)
	r, _ := h.store.Get("ABC1")
	req.Empty(r.Messages)
}

func TestHub_UnjoinedConnectionIsIgnored(t *testing.T) {
	req := require.New(t)
	h := newTestHub(&stubAdvisor{outcome: assistant.Answer{Body: "nope"}})
	alice, stranger := connect(h, "alice"), connect(h, "stranger")
	join(t, h, alice, "ABC1", "Alice", pasta)
	received(t, alice)

	for _, env := range []Envelope{
		frame(t, EventChatMessage, chatMessagePayload{Message: "hi"}),
		frame(t, EventNextStep, nextStepPayload{Step: 4}),
		frame(t, EventStartTimer, startTimerPayload{Duration: 30}),
		frame(t, EventSharePhoto, sharePhotoPayload{Filename: "x.png"}),
		frame(t, EventAIQuestion, aiQuestionPayload{Question: "?"}),
	} {
		h.dispatch(stranger, env)
	}
	h.drop(stranger)

	req.Empty(received(t, alice))
	select {
	case a := <-h.answers:
		t.Fatalf("unexpected advisor call for %q", a.roomCode)
	case <-time.After(50 * time.Millisecond):
	}
	r, _ := h.store.Get("ABC1")
	req.Empty(r.Messages)
	req.Len(r.Participants, 1)
}

func TestHub_MalformedFramesAreDropped(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice := connect(h, "alice")
	join(t, h, alice, "ABC1", "Alice", pasta)
	received(t, alice)

	h.dispatch(alice, Envelope{Event: "dance"})
	h.dispatch(alice, Envelope{Event: EventNextStep, Data: json.RawMessage(`{"step":"three"}`)})

	req.Empty(received(t, alice))
	_, joined := h.registry.Lookup("alice")
	req.True(joined)
}

func TestHub_RejoinLeavesPreviousRoom(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")
	join(t, h, alice, "ABC1", "Alice", pasta)
	join(t, h, bob, "ABC1", "Bob", pasta)
	received(t, alice)
	received(t, bob)

	join(t, h, alice, "XYZ9", "Alice", pasta)

	req.Equal([]string{EventUserJoined}, events(received(t, alice)))
	got := received(t, bob)
	req.Equal([]string{EventUserLeft}, events(got))
	req.Equal([]string{"Bob"}, usernames(payload[userLeftPayload](t, got[0]).Participants))

	conn, _ := h.registry.Lookup("alice")
	req.Equal("XYZ9", conn.RoomCode)
}

func TestHub_RejoinIntoFullRoomKeepsCurrentRoom(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")
	join(t, h, alice, "HOME", "Alice", pasta)
	join(t, h, bob, "HOME", "Bob", pasta)
	for i := 1; i <= room.MaxParticipants; i++ {
		join(t, h, connect(h, fmt.Sprintf("c%d", i)), "FULL", fmt.Sprintf("Cook %d", i), pasta)
	}
	received(t, alice)
	received(t, bob)

	join(t, h, alice, "FULL", "Alice", pasta)

	req.Equal([]string{EventRoomFull}, events(received(t, alice)))
	req.Empty(received(t, bob))
	conn, ok := h.registry.Lookup("alice")
	req.True(ok)
	req.Equal("HOME", conn.RoomCode)
	home, _ := h.store.Get("HOME")
	req.Equal([]string{"Alice", "Bob"}, usernames(home.Participants))
	full, _ := h.store.Get("FULL")
	req.Len(full.Participants, room.MaxParticipants)
}

func TestHub_RejoinSameRoomResendsSnapshot(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice, bob := connect(h, "alice"), connect(h, "bob")
	join(t, h, alice, "ABC1", "Alice", pasta)
	join(t, h, bob, "ABC1", "Bob", pasta)
	received(t, alice)
	received(t, bob)

	join(t, h, alice, "ABC1", "Alice", pasta)

	got := received(t, alice)
	req.Equal([]string{EventUserJoined}, events(got))
	req.Equal([]string{"Alice", "Bob"}, usernames(payload[userJoinedPayload](t, got[0]).Participants))
	req.Empty(received(t, bob))
	r, _ := h.store.Get("ABC1")
	req.Len(r.Participants, 2)
}

func TestHub_AIQuestion(t *testing.T) {
	tests := []struct {
		name    string
		outcome assistant.Outcome
		want    string
	}{
		{name: "answer", outcome: assistant.Answer{Body: "Whisk the eggs off the heat."}, want: "Whisk the eggs off the heat."},
		{name: "fallback", outcome: assistant.Fallback{Reason: errors.New("boom")}, want: assistant.FallbackText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			advisor := &stubAdvisor{outcome: tt.outcome, asked: make(chan assistant.Context, 1)}
			h := newTestHub(advisor)
			alice, bob := connect(h, "alice"), connect(h, "bob")
			join(t, h, alice, "ABC1", "Alice", pasta)
			join(t, h, bob, "ABC1", "Bob", pasta)
			h.dispatch(bob, frame(t, EventNextStep, nextStepPayload{Step: 4}))
			received(t, alice)
			received(t, bob)

			h.dispatch(bob, frame(t, EventAIQuestion, aiQuestionPayload{Question: "Why is my sauce lumpy?"}))

			asked := <-advisor.asked
			req.Equal(assistant.Context{Recipe: pasta, Step: 4, Question: "Why is my sauce lumpy?"}, asked)

			h.applyAnswer(<-h.answers)

			for _, c := range []*Client{alice, bob} {
				got := received(t, c)
				req.Equal([]string{EventNewMessage}, events(got))
				msg := payload[room.Message](t, got[0])
				req.Equal(room.MessageAI, msg.Type)
				req.Equal(assistant.AuthorName, msg.Username)
				req.Equal(tt.want, msg.Message)
			}
			r, _ := h.store.Get("ABC1")
			req.Len(r.Messages, 1)
			req.Equal(room.MessageAI, r.Messages[0].Type)
		})
	}
}

func TestHub_AIQuestion_UpstreamFailure(t *testing.T) {
	req := require.New(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	h := newTestHub(assistant.New(upstream.Client(), upstream.URL, "key"))
	alice := connect(h, "alice")
	join(t, h, alice, "ABC1", "Alice", pasta)
	received(t, alice)

	h.dispatch(alice, frame(t, EventAIQuestion, aiQuestionPayload{Question: "Salt?"}))
	h.applyAnswer(<-h.answers)

	got := received(t, alice)
	req.Equal([]string{EventNewMessage}, events(got))
	msg := payload[room.Message](t, got[0])
	req.Equal(assistant.FallbackText, msg.Message)
	req.Equal(room.MessageAI, msg.Type)
}

func TestHub_AIAnswerAfterRoomClosed(t *testing.T) {
	req := require.New(t)
	h := newTestHub(&stubAdvisor{outcome: assistant.Answer{Body: "late"}})
	alice := connect(h, "alice")
	join(t, h, alice, "ABC1", "Alice", pasta)
	h.dispatch(alice, frame(t, EventAIQuestion, aiQuestionPayload{Question: "?"}))
	a := <-h.answers

	h.drop(alice)
	carol := connect(h, "carol")
	join(t, h, carol, "ABC1", "Carol", pasta)
	received(t, carol)

	h.applyAnswer(a)

	req.Empty(received(t, carol))
	r, _ := h.store.Get("ABC1")
	req.Empty(r.Messages)
}

func TestHub_AnswerMayFollowLaterEvents(t *testing.T) {
	req := require.New(t)
	h := newTestHub(&stubAdvisor{outcome: assistant.Answer{Body: "Use less heat."}})
	alice := connect(h, "alice")
	join(t, h, alice, "ABC1", "Alice", pasta)
	received(t, alice)

	h.dispatch(alice, frame(t, EventAIQuestion, aiQuestionPayload{Question: "Heat?"}))
	h.dispatch(alice, frame(t, EventChatMessage, chatMessagePayload{Message: "still waiting"}))
	h.applyAnswer(<-h.answers)

	r, _ := h.store.Get("ABC1")
	req.Len(r.Messages, 2)
	req.Equal("still waiting", r.Messages[0].Message)
	req.Equal(room.MessageAI, r.Messages[1].Type)
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	req := require.New(t)
	h := newTestHub(nil)
	alice := connect(h, "alice")
	slow := &Client{ID: "slow", Hub: h, Send: make(chan []byte), log: h.log}
	h.clients[slow.ID] = slow
	join(t, h, alice, "ABC1", "Alice", pasta)
	received(t, alice)

	join(t, h, slow, "ABC1", "Slow", pasta)

	_, ok := h.clients["slow"]
	req.False(ok)
	_, registered := h.registry.Lookup("slow")
	req.False(registered)
	got := received(t, alice)
	req.Equal([]string{EventUserJoined, EventUserLeft}, events(got))
	req.Equal([]string{"Alice"}, usernames(payload[userLeftPayload](t, got[1]).Participants))
}

func TestHub_Relay(t *testing.T) {
	req := require.New(t)
	relay := &recordingRelay{}
	h := newTestHub(nil, WithRelay(relay))
	alice := connect(h, "alice")

	join(t, h, alice, "ABC1", "Alice", pasta)

	req.Empty(received(t, alice), "broadcasts wait for the relay")
	req.Len(relay.published, 1)
	req.Equal("ABC1", relay.published[0].roomCode)

	h.relayed(relay.published[0])
	req.Equal([]string{EventUserJoined}, events(received(t, alice)))

	// Direct replies never go through the relay.
	for i := 2; i <= room.MaxParticipants; i++ {
		join(t, h, connect(h, fmt.Sprintf("c%d", i)), "ABC1", "x", pasta)
	}
	late := connect(h, "late")
	join(t, h, late, "ABC1", "late", pasta)
	req.Equal([]string{EventRoomFull}, events(received(t, late)))
	req.Len(relay.published, room.MaxParticipants)
}

func TestHub_RelayFailureDeliversLocally(t *testing.T) {
	h := newTestHub(nil, WithRelay(&recordingRelay{err: errors.New("redis down")}))
	alice := connect(h, "alice")

	join(t, h, alice, "ABC1", "Alice", pasta)

	require.Equal(t, []string{EventUserJoined}, events(received(t, alice)))
}

func TestHub_RelayRecipientsAreFixedAtEmit(t *testing.T) {
	req := require.New(t)
	relay := &recordingRelay{}
	h := newTestHub(nil, WithRelay(relay))
	alice, carol := connect(h, "alice"), connect(h, "carol")

	join(t, h, alice, "ABC1", "Alice", pasta)
	h.dispatch(alice, frame(t, EventChatMessage, chatMessagePayload{Message: "hi"}))
	join(t, h, carol, "ABC1", "Carol", pasta)
	join(t, h, alice, "XYZ9", "Alice", pasta)

	// Nothing is delivered until the relay echoes the frames back.
	req.Empty(received(t, alice))
	req.Empty(received(t, carol))
	for _, f := range relay.published {
		h.relayed(f)
	}

	got := received(t, carol)
	req.Equal([]string{EventUserJoined, EventUserLeft}, events(got))
	history := payload[userJoinedPayload](t, got[0]).Messages
	req.Len(history, 1)
	req.Equal("hi", history[0].Message)

	got = received(t, alice)
	req.Equal([]string{EventUserJoined, EventNewMessage, EventUserJoined, EventUserJoined}, events(got))
	req.Equal("hi", payload[room.Message](t, got[1]).Message)
}

func TestHub_RelayDropsUndecodableFrames(t *testing.T) {
	h := newTestHub(nil, WithRelay(&recordingRelay{}))
	alice := connect(h, "alice")
	join(t, h, alice, "ABC1", "Alice", pasta)

	h.relayed(roomFrame{roomCode: "ABC1", payload: []byte(`{"event":"new-message"}`)})
	h.relayed(roomFrame{roomCode: "ABC1", payload: []byte(`not json`)})

	require.Empty(t, received(t, alice))
}
