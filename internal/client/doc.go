// Package client assembles the negotiation SDK: connection management, room
// membership, message delivery, the local cache, and the round state machine
// behind one Session type. All inbound events dispatch from a single loop,
// so no handler races another over session state.
package client
