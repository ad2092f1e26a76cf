// Turnduel game server
//
// Each duel is a two-seat turn-taking session played over a WebSocket.
// A party joins with a User ID, the server assigns seat 1 or 2, and
// once both seats are occupied the seats alternate taking turns. Every
// completed turn is recorded against the acting User ID by an external
// recording service; recording failures are announced but never stall
// the game.
//
// Features:
// - WebSockets per game ID: /duel/:gameid and /duel/:gameid/ws
// - Seat 1 preferred over seat 2; game ready at exactly two seats
// - Turn order always restarts at seat 1 after any membership change
// - Sole remaining occupant is promoted to seat 1 on a disconnect
// - Duplicate and empty User IDs rejected, connection closed
// - Turn-time rejections (not ready / not your turn) leave the
//   connection open
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision
//   check
// - In-browser QR button to share the current session, backed by
//   go-qrcode

package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type   string `json:"type"`              // "join", "take_turn"
	UserID string `json:"user_id,omitempty"` // join
}

// JoinSuccessMessage is unicast to a party that claimed a seat. Also
// re-sent when a remaining party is promoted to seat 1.
type JoinSuccessMessage struct {
	Type string `json:"type"` // "join_success"
	Seat int    `json:"seat"`
}

// JoinFailMessage is unicast to a rejected party; the server closes
// that connection right after.
type JoinFailMessage struct {
	Type    string `json:"type"` // "join_fail"
	Message string `json:"message"`
}

// TurnUpdateMessage broadcasts the seat now authorized to act.
type TurnUpdateMessage struct {
	Type string `json:"type"` // "turn_update"
	Seat int    `json:"seat"`
}

// ServerMessage is free-text status broadcast or unicast to parties.
type ServerMessage struct {
	Type    string `json:"type"` // "server_message"
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

type joinRequest struct {
	client *Client
	userID string
}

type recordResult struct {
	seat     int
	identity string
	err      error
}

// Hub owns one duel session. All session-state mutation happens on the
// run() goroutine, which consumes events one at a time from the
// channels below; the mutex only covers the pieces the reaper touches.
type Hub struct {
	id   string
	sess *session

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	turns    chan *Client
	recorded chan recordResult
	done     chan struct{}

	recorder TurnRecorder

	mu         sync.RWMutex
	clients    map[*Client]bool
	createdAt  time.Time
	lastActive time.Time
}

func newHub(gameID string, recorder TurnRecorder) *Hub {
	now := time.Now()
	return &Hub{
		id:         gameID,
		sess:       newSession(),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan joinRequest),
		turns:      make(chan *Client),
		recorded:   make(chan recordResult, maxSeats),
		done:       make(chan struct{}),
		recorder:   recorder,
		clients:    make(map[*Client]bool),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true
			h.mu.Unlock()

			logf(cfg, "GAMES: Connection %s opened on %s (awaiting User ID for join)", c.id, h.id)

		case c := <-h.unreg:
			h.handleUnreg(cfg, c)

		case jr := <-h.joins:
			h.handleJoin(cfg, jr)

		case c := <-h.turns:
			h.handleTurn(cfg, c)

		case rr := <-h.recorded:
			h.handleRecorded(cfg, rr)

		case <-h.done:
			return
		}
	}
}

// sendToLocked queues a message for one client, dropping the client if
// its send buffer is full. Assumes h.mu is held.
func (h *Hub) sendToLocked(c *Client, msg any) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcastLocked fans a message out to every connected client.
// Delivery is fire-and-forget: a client that is mid-disconnect simply
// does not receive it. Assumes h.mu is held.
func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// handleJoin processes "join" messages.
func (h *Hub) handleJoin(cfg *Config, jr joinRequest) {
	c := jr.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if m := h.sess.reg.byConnection(c); m != nil {
		h.sendToLocked(c, ServerMessage{
			Type:    "server_message",
			Message: fmt.Sprintf("You have already joined this game as Player %d.", m.seat),
		})
		return
	}

	seat, err := h.sess.join(c, jr.userID)
	if err != nil {
		logf(cfg, "GAMES: Join attempt failed for connection %s on %s: %v", c.id, h.id, err)

		h.sendToLocked(c, JoinFailMessage{
			Type:    "join_fail",
			Message: err.Error(),
		})

		// Join rejections are terminal for the connection: closing the
		// send channel lets writePump drain the rejection first.
		if h.clients[c] {
			delete(h.clients, c)
			close(c.send)
		}
		return
	}

	identity := strings.TrimSpace(jr.userID)
	logf(cfg, "GAMES: Connection %s joined %s as Player %d (User: %q)", c.id, h.id, seat, identity)

	h.sendToLocked(c, JoinSuccessMessage{
		Type: "join_success",
		Seat: seat,
	})
	h.broadcastLocked(ServerMessage{
		Type:    "server_message",
		Message: fmt.Sprintf("Player %d (User: %q) has joined the game.", seat, identity),
	})

	current, ready := h.sess.status()
	if ready {
		firstID := ""
		if m := h.sess.reg.seat(current); m != nil {
			firstID = m.identity
		}

		h.broadcastLocked(ServerMessage{
			Type:    "server_message",
			Message: fmt.Sprintf("Two players are connected! Game ready. Player %d (User: %q) it is your turn.", current, firstID),
		})
		h.broadcastLocked(TurnUpdateMessage{
			Type: "turn_update",
			Seat: current,
		})
	} else {
		h.broadcastLocked(ServerMessage{
			Type:    "server_message",
			Message: "Waiting for another player to join...",
		})
	}
}

// handleTurn processes "take_turn" messages.
func (h *Hub) handleTurn(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	seat, identity, err := h.sess.takeTurn(c)
	if err != nil {
		h.sendToLocked(c, ServerMessage{
			Type:    "server_message",
			Message: err.Error(),
		})
		return
	}

	logf(cfg, "GAMES: Player %d (User: %q) took their turn on %s", seat, identity, h.id)

	// Recording runs detached; its outcome reaches the clients through
	// h.recorded and only ever changes the text of a status broadcast.
	go h.record(seat, identity)

	current, _ := h.sess.status()

	nextID := ""
	if m := h.sess.reg.seat(current); m != nil {
		nextID = m.identity
	}

	h.broadcastLocked(TurnUpdateMessage{
		Type: "turn_update",
		Seat: current,
	})
	h.broadcastLocked(ServerMessage{
		Type:    "server_message",
		Message: fmt.Sprintf("It is now Player %d (User: %q)'s turn.", current, nextID),
	})
}

// record invokes the recording service and reports the outcome back to
// the event loop. A panicking recorder must never take down the server.
func (h *Hub) record(seat int, identity string) {
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("recorder panic: %v", r)
			}
		}()
		err = h.recorder.RecordTurn(context.Background(), identity)
	}()

	select {
	case h.recorded <- recordResult{seat: seat, identity: identity, err: err}:
	case <-h.done:
	}
}

func (h *Hub) handleRecorded(cfg *Config, rr recordResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rr.err != nil {
		logf(cfg, "GAMES: Turn record failed for User %q on %s: %v", rr.identity, h.id, rr.err)

		h.broadcastLocked(ServerMessage{
			Type:    "server_message",
			Message: fmt.Sprintf("Player %d (User: %q) took turn. (DB update issue: %v)", rr.seat, rr.identity, rr.err),
		})
		return
	}

	h.broadcastLocked(ServerMessage{
		Type:    "server_message",
		Message: fmt.Sprintf("Player %d (User: %q) finished their turn. Turn recorded.", rr.seat, rr.identity),
	})
}

// handleUnreg processes a closed connection: drop the client, release
// its seat, and renumber the remaining occupant.
func (h *Hub) handleUnreg(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	removed, remaining := h.sess.leave(c)
	if removed == nil {
		logf(cfg, "GAMES: Connection %s closed on %s (never joined)", c.id, h.id)
		return
	}

	logf(cfg, "GAMES: Player %d (User: %q) disconnected from %s", removed.seat, removed.identity, h.id)

	h.broadcastLocked(ServerMessage{
		Type:    "server_message",
		Message: fmt.Sprintf("Player %d (User: %q) has disconnected.", removed.seat, removed.identity),
	})

	if remaining != nil {
		priorSeat := maxSeats + 1 - removed.seat // the seat the remainer held before renumbering

		h.sendToLocked(remaining.client, JoinSuccessMessage{
			Type: "join_success",
			Seat: remaining.seat,
		})
		h.broadcastLocked(ServerMessage{
			Type:    "server_message",
			Message: fmt.Sprintf("Previous Player %d (User: %q) is now Player 1. Waiting for a new Player 2.", priorSeat, remaining.identity),
		})
	}

	current, _ := h.sess.status()
	h.broadcastLocked(TurnUpdateMessage{
		Type: "turn_update",
		Seat: current,
	})
	h.broadcastLocked(ServerMessage{
		Type:    "server_message",
		Message: "Waiting for players...",
	})
}

// closeAll disconnects all clients of this hub and stops its event
// loop (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
	default:
		close(h.done)
	}

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DuelManager holds a set of hubs keyed by game ID, so each
// /duel/:gameid is its own isolated two-seat session.
type DuelManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	recorder    TurnRecorder
	idleTimeout time.Duration
}

func newDuelManager(recorder TurnRecorder, idleTimeout time.Duration) *DuelManager {
	dm := &DuelManager{
		hubs:        make(map[string]*Hub),
		recorder:    recorder,
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go dm.reaperLoop()
	}
	return dm
}

func (dm *DuelManager) getHub(cfg *Config, gameID string) *Hub {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if hub, ok := dm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(gameID, dm.recorder)
	dm.hubs[gameID] = hub
	go hub.run(cfg)
	return hub
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (dm *DuelManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		dm.mu.Lock()
		_, exists := dm.hubs[id]
		dm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (dm *DuelManager) reaperLoop() {
	ticker := time.NewTicker(dm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-dm.idleTimeout)

		dm.mu.Lock()
		for id, hub := range dm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(dm.hubs, id)
				go hub.closeAll()
			}
		}
		dm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, dm *DuelManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		hub := dm.getHub(cfg, gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			select {
			case h.joins <- joinRequest{client: c, userID: msg.UserID}:
			case <-h.done:
				return
			}
		case "take_turn":
			select {
			case h.turns <- c:
			case <-h.done:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed duel/index.html
var indexHTML []byte

//go:embed duel/app.css
var duelCSS []byte

//go:embed duel/app.js
var duelJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(duelCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(duelJS)
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, dm *DuelManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := dm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerDuelGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerDuelGame(cfg *Config, recorder TurnRecorder, path string, mux *httprouter.Router) {
	dm := newDuelManager(recorder, cfg.sessionTimeout)

	// Root path → redirect to new random game
	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, dm))

	// Per-game client view (HTML)
	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg))

	// Shared assets (no gameid in route)
	mux.GET(cfg.prefix+"/assets/duel/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/duel/app.js", getJsHandler(cfg))

	// Per-game websocket
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, dm))

	// Per-game QR code
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)
}
