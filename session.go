package main

import (
	"errors"
	"strings"
)

const maxSeats = 2

// Join rejections. Each one ends the offending connection; the party
// must reconnect and send a fresh join to retry.
var (
	errInvalidIdentity   = errors.New("Invalid User ID provided.")
	errDuplicateIdentity = errors.New("This User ID is already in the game. Try a different ID or wait.")
	errSessionFull       = errors.New("Sorry, the game is currently full.")
)

// Turn rejections. The connection stays open; the party can retry once
// conditions change.
var (
	errNotRegistered   = errors.New("Error: You don't seem to be registered in the game. Please rejoin.")
	errSessionNotReady = errors.New("Cannot take turn: The game is not ready (waiting for opponent).")
	errNotYourTurn     = errors.New("It is not your turn!")
)

// member ties a connection to its seat and declared identity.
type member struct {
	seat     int
	identity string
	client   *Client
}

// registry maps live connections to their membership records. Purely
// in-memory; only ever touched from the hub's event loop.
type registry struct {
	byConn map[*Client]*member
	bySeat map[int]*member
}

func newRegistry() *registry {
	return &registry{
		byConn: make(map[*Client]*member),
		bySeat: make(map[int]*member),
	}
}

func (r *registry) register(c *Client, seat int, identity string) error {
	if _, ok := r.byConn[c]; ok {
		return errors.New("connection already registered")
	}
	m := &member{seat: seat, identity: identity, client: c}
	r.byConn[c] = m
	r.bySeat[seat] = m
	return nil
}

// unregister removes the connection's record, returning nil if there
// was none. Safe to call twice.
func (r *registry) unregister(c *Client) *member {
	m, ok := r.byConn[c]
	if !ok {
		return nil
	}
	delete(r.byConn, c)
	delete(r.bySeat, m.seat)
	return m
}

func (r *registry) byConnection(c *Client) *member {
	return r.byConn[c]
}

func (r *registry) seat(n int) *member {
	return r.bySeat[n]
}

func (r *registry) count() int {
	return len(r.byConn)
}

func (r *registry) identities() []string {
	ids := make([]string, 0, len(r.byConn))
	for _, m := range r.byConn {
		ids = append(ids, m.identity)
	}
	return ids
}

// reseat moves a still-registered member to a free seat number.
func (r *registry) reseat(m *member, seat int) {
	delete(r.bySeat, m.seat)
	m.seat = seat
	r.bySeat[seat] = m
}

// seatTable tracks which of the two seats are occupied.
type seatTable struct {
	occupied [maxSeats + 1]bool // 1-indexed
}

// assign marks the lowest free seat occupied and returns it.
func (s *seatTable) assign() (int, bool) {
	for seat := 1; seat <= maxSeats; seat++ {
		if !s.occupied[seat] {
			s.occupied[seat] = true
			return seat, true
		}
	}
	return 0, false
}

func (s *seatTable) release(seat int) {
	if seat >= 1 && seat <= maxSeats {
		s.occupied[seat] = false
	}
}

// renumber moves an occupied seat to a free one. Returns false if the
// preconditions don't hold.
func (s *seatTable) renumber(from, to int) bool {
	if from < 1 || from > maxSeats || to < 1 || to > maxSeats {
		return false
	}
	if !s.occupied[from] || s.occupied[to] {
		return false
	}
	s.occupied[from] = false
	s.occupied[to] = true
	return true
}

func (s *seatTable) countOccupied() int {
	n := 0
	for seat := 1; seat <= maxSeats; seat++ {
		if s.occupied[seat] {
			n++
		}
	}
	return n
}

// turnState is the whose-turn pointer plus the ready flag. The pointer
// is only meaningful while ready is true.
type turnState struct {
	current int
	ready   bool
}

func (t *turnState) activate() {
	t.ready = true
	t.current = 1
}

// reset is applied on every membership drop so a future activation
// always starts from seat 1.
func (t *turnState) reset() {
	t.ready = false
	t.current = 1
}

func (t *turnState) flip() {
	if t.current == 1 {
		t.current = 2
	} else {
		t.current = 1
	}
}

// session is the whole per-duel game state: two seats, one turn
// pointer. It has no locking and no transport knowledge; the owning
// hub feeds it one event at a time.
type session struct {
	reg   *registry
	seats *seatTable
	turn  *turnState
}

func newSession() *session {
	return &session{
		reg:   newRegistry(),
		seats: &seatTable{},
		turn:  &turnState{current: 1},
	}
}

// join validates the identity and claims the lowest free seat.
// Rejection reasons are checked in order: invalid identity, duplicate
// identity, session full.
func (s *session) join(c *Client, identity string) (int, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return 0, errInvalidIdentity
	}
	for _, existing := range s.reg.identities() {
		if existing == id {
			return 0, errDuplicateIdentity
		}
	}
	seat, ok := s.seats.assign()
	if !ok {
		return 0, errSessionFull
	}
	if err := s.reg.register(c, seat, id); err != nil {
		s.seats.release(seat)
		return 0, err
	}
	if s.reg.count() == maxSeats {
		s.turn.activate()
	}
	return seat, nil
}

// leave drops the connection's membership, resets turn order, and
// promotes a sole remaining occupant to seat 1. Returns the removed
// member (nil if the connection never joined) and the remaining
// occupant (nil unless exactly one remains).
func (s *session) leave(c *Client) (removed, remaining *member) {
	removed = s.reg.unregister(c)
	if removed == nil {
		return nil, nil
	}
	s.seats.release(removed.seat)
	s.turn.reset()

	if s.reg.count() == 1 {
		for seat := 1; seat <= maxSeats; seat++ {
			if m := s.reg.seat(seat); m != nil {
				remaining = m
				break
			}
		}
		if remaining != nil && remaining.seat != 1 {
			if s.seats.renumber(remaining.seat, 1) {
				s.reg.reseat(remaining, 1)
			}
		}
	}
	return removed, remaining
}

// takeTurn validates the acting connection against the turn pointer and
// flips the pointer on success. The returned identity is what the turn
// gets recorded against.
func (s *session) takeTurn(c *Client) (seat int, identity string, err error) {
	m := s.reg.byConnection(c)
	if m == nil {
		return 0, "", errNotRegistered
	}
	if !s.turn.ready {
		return 0, "", errSessionNotReady
	}
	if m.seat != s.turn.current {
		return 0, "", errNotYourTurn
	}
	seat, identity = m.seat, m.identity
	s.turn.flip()
	return seat, identity, nil
}

// status reports the current turn pointer and whether both seats are
// occupied.
func (s *session) status() (currentTurnSeat int, ready bool) {
	return s.turn.current, s.turn.ready
}
