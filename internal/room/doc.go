// Package room manages membership of a negotiation channel: the join
// handshake, presence, and typing indicators. A join is a request/reply
// exchange over the event stream; the session correlates the server's
// room-status against the pending join and times out or cancels cleanly.
package room
