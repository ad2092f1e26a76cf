package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	err    error
	panics bool
	calls  []string
}

func (f *fakeRecorder) RecordTurn(_ context.Context, identity string) error {
	f.calls = append(f.calls, identity)
	if f.panics {
		panic("recorder exploded")
	}
	return f.err
}

func testConfig() *Config {
	return &Config{bind: "127.0.0.1", port: 8080}
}

func newTestClient() *Client {
	return &Client{send: make(chan any, 16), id: "test"}
}

// drainMessages empties a client's send buffer without blocking.
func drainMessages(c *Client) []any {
	var msgs []any
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

// connectClient adds a client to the hub the way the register event
// would, without spinning up the run loop.
func connectClient(h *Hub, c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func awaitRecordResult(t *testing.T, h *Hub) recordResult {
	t.Helper()
	select {
	case rr := <-h.recorded:
		return rr
	case <-time.After(2 * time.Second):
		t.Fatal("no record result delivered")
		return recordResult{}
	}
}

func TestHubJoinAccepted(t *testing.T) {
	cfg := testConfig()
	h := newHub("test", noopRecorder{})
	c := newTestClient()
	connectClient(h, c)

	h.handleJoin(cfg, joinRequest{client: c, userID: "alice"})

	msgs := drainMessages(c)
	require.NotEmpty(t, msgs)
	join, ok := msgs[0].(JoinSuccessMessage)
	require.True(t, ok, "first message must be the join result, got %T", msgs[0])
	assert.Equal(t, 1, join.Seat)

	var texts []string
	for _, m := range msgs[1:] {
		sm, ok := m.(ServerMessage)
		require.True(t, ok)
		texts = append(texts, sm.Message)
	}
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "has joined the game")
	assert.Contains(t, texts[1], "Waiting for another player")
}

func TestHubJoinRejectedClosesConnection(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantMsg string
	}{
		{name: "empty identity", userID: "  ", wantMsg: "Invalid User ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			h := newHub("test", noopRecorder{})
			c := newTestClient()
			connectClient(h, c)

			h.handleJoin(cfg, joinRequest{client: c, userID: tt.userID})

			fail, ok := (<-c.send).(JoinFailMessage)
			require.True(t, ok)
			assert.Contains(t, fail.Message, tt.wantMsg)

			// Send channel is closed so writePump drains and hangs up.
			_, open := <-c.send
			assert.False(t, open)
			assert.NotContains(t, h.clients, c)
		})
	}
}

func TestHubDuplicateIdentityRejected(t *testing.T) {
	cfg := testConfig()
	h := newHub("test", noopRecorder{})

	first := newTestClient()
	connectClient(h, first)
	h.handleJoin(cfg, joinRequest{client: first, userID: "alice"})
	drainMessages(first)

	second := newTestClient()
	connectClient(h, second)
	h.handleJoin(cfg, joinRequest{client: second, userID: "alice"})

	fail, ok := (<-second.send).(JoinFailMessage)
	require.True(t, ok)
	assert.Contains(t, fail.Message, "already in the game")
	assert.NotContains(t, h.clients, second)

	// The seated player is unaffected.
	assert.Contains(t, h.clients, first)
	assert.Equal(t, 1, h.sess.reg.count())
}

func TestHubRepeatJoinFromSameConnection(t *testing.T) {
	cfg := testConfig()
	h := newHub("test", noopRecorder{})
	c := newTestClient()
	connectClient(h, c)

	h.handleJoin(cfg, joinRequest{client: c, userID: "alice"})
	drainMessages(c)

	h.handleJoin(cfg, joinRequest{client: c, userID: "alice2"})

	msgs := drainMessages(c)
	require.Len(t, msgs, 1)
	sm, ok := msgs[0].(ServerMessage)
	require.True(t, ok)
	assert.Contains(t, sm.Message, "already joined")
	assert.Contains(t, h.clients, c, "a repeat join is not terminal")
	assert.Equal(t, 1, h.sess.reg.count())
}

func TestHubGameReadyAnnouncement(t *testing.T) {
	cfg := testConfig()
	h := newHub("test", noopRecorder{})

	alice := newTestClient()
	bob := newTestClient()
	connectClient(h, alice)
	connectClient(h, bob)

	h.handleJoin(cfg, joinRequest{client: alice, userID: "alice"})
	drainMessages(alice)

	h.handleJoin(cfg, joinRequest{client: bob, userID: "bob"})

	var sawReady bool
	var update *TurnUpdateMessage
	for _, m := range drainMessages(alice) {
		switch msg := m.(type) {
		case ServerMessage:
			if msg.Message == `Two players are connected! Game ready. Player 1 (User: "alice") it is your turn.` {
				sawReady = true
			}
		case TurnUpdateMessage:
			update = &msg
		}
	}
	assert.True(t, sawReady)
	require.NotNil(t, update)
	assert.Equal(t, 1, update.Seat)
}

func TestHubTurnBroadcasts(t *testing.T) {
	cfg := testConfig()
	rec := &fakeRecorder{}
	h := newHub("test", rec)

	alice := newTestClient()
	bob := newTestClient()
	connectClient(h, alice)
	connectClient(h, bob)
	h.handleJoin(cfg, joinRequest{client: alice, userID: "alice"})
	h.handleJoin(cfg, joinRequest{client: bob, userID: "bob"})
	drainMessages(alice)
	drainMessages(bob)

	h.handleTurn(cfg, alice)

	rr := awaitRecordResult(t, h)
	require.NoError(t, rr.err)
	assert.Equal(t, "alice", rr.identity)
	assert.Equal(t, []string{"alice"}, rec.calls)

	for _, c := range []*Client{alice, bob} {
		var update *TurnUpdateMessage
		for _, m := range drainMessages(c) {
			if msg, ok := m.(TurnUpdateMessage); ok {
				update = &msg
			}
		}
		require.NotNil(t, update)
		assert.Equal(t, 2, update.Seat)
	}

	h.handleRecorded(cfg, rr)

	for _, c := range []*Client{alice, bob} {
		msgs := drainMessages(c)
		require.Len(t, msgs, 1)
		sm, ok := msgs[0].(ServerMessage)
		require.True(t, ok)
		assert.Contains(t, sm.Message, "Turn recorded")
	}
}

func TestHubTurnRejectionIsUnicast(t *testing.T) {
	cfg := testConfig()
	h := newHub("test", noopRecorder{})

	alice := newTestClient()
	bob := newTestClient()
	connectClient(h, alice)
	connectClient(h, bob)
	h.handleJoin(cfg, joinRequest{client: alice, userID: "alice"})
	h.handleJoin(cfg, joinRequest{client: bob, userID: "bob"})
	drainMessages(alice)
	drainMessages(bob)

	h.handleTurn(cfg, bob)

	msgs := drainMessages(bob)
	require.Len(t, msgs, 1)
	sm, ok := msgs[0].(ServerMessage)
	require.True(t, ok)
	assert.Equal(t, "It is not your turn!", sm.Message)

	assert.Empty(t, drainMessages(alice), "rejections are not broadcast")

	current, ready := h.sess.status()
	assert.True(t, ready)
	assert.Equal(t, 1, current)
}

func TestHubRecordFailureBroadcastText(t *testing.T) {
	cfg := testConfig()
	rec := &fakeRecorder{err: errors.New("profile not found")}
	h := newHub("test", rec)

	alice := newTestClient()
	bob := newTestClient()
	connectClient(h, alice)
	connectClient(h, bob)
	h.handleJoin(cfg, joinRequest{client: alice, userID: "alice"})
	h.handleJoin(cfg, joinRequest{client: bob, userID: "bob"})
	drainMessages(alice)
	drainMessages(bob)

	h.handleTurn(cfg, alice)

	rr := awaitRecordResult(t, h)
	require.Error(t, rr.err)

	// The failure never rolls back the pointer.
	current, ready := h.sess.status()
	assert.True(t, ready)
	assert.Equal(t, 2, current)

	h.handleRecorded(cfg, rr)

	var sawIssue bool
	for _, m := range drainMessages(bob) {
		if sm, ok := m.(ServerMessage); ok {
			if strings.Contains(sm.Message, "DB update issue") && strings.Contains(sm.Message, "profile not found") {
				sawIssue = true
			}
		}
	}
	assert.True(t, sawIssue)
}

func TestHubRecorderPanicIsContained(t *testing.T) {
	h := newHub("test", &fakeRecorder{panics: true})

	h.record(1, "alice")

	rr := awaitRecordResult(t, h)
	require.Error(t, rr.err)
	assert.Contains(t, rr.err.Error(), "recorder panic")
}

func TestHubDisconnectPromotesRemainingPlayer(t *testing.T) {
	cfg := testConfig()
	h := newHub("test", noopRecorder{})

	alice := newTestClient()
	bob := newTestClient()
	connectClient(h, alice)
	connectClient(h, bob)
	h.handleJoin(cfg, joinRequest{client: alice, userID: "alice"})
	h.handleJoin(cfg, joinRequest{client: bob, userID: "bob"})
	drainMessages(alice)
	drainMessages(bob)

	h.handleUnreg(cfg, alice)

	var promoted *JoinSuccessMessage
	var update *TurnUpdateMessage
	var texts []string
	for _, m := range drainMessages(bob) {
		switch msg := m.(type) {
		case JoinSuccessMessage:
			promoted = &msg
		case TurnUpdateMessage:
			update = &msg
		case ServerMessage:
			texts = append(texts, msg.Message)
		}
	}

	require.NotNil(t, promoted)
	assert.Equal(t, 1, promoted.Seat)
	require.NotNil(t, update)
	assert.Equal(t, 1, update.Seat)

	assert.Contains(t, texts[0], "has disconnected")
	assert.Contains(t, texts[1], `Previous Player 2 (User: "bob") is now Player 1`)
	assert.Contains(t, texts[len(texts)-1], "Waiting for players")

	current, ready := h.sess.status()
	assert.False(t, ready)
	assert.Equal(t, 1, current)
}

func TestHubDisconnectOfUnjoinedConnection(t *testing.T) {
	cfg := testConfig()
	h := newHub("test", noopRecorder{})

	alice := newTestClient()
	visitor := newTestClient()
	connectClient(h, alice)
	connectClient(h, visitor)
	h.handleJoin(cfg, joinRequest{client: alice, userID: "alice"})
	drainMessages(alice)

	h.handleUnreg(cfg, visitor)

	assert.Empty(t, drainMessages(alice), "a visitor leaving is not announced")
	assert.Equal(t, 1, h.sess.reg.count())
}
