// Package wire defines the websocket protocol spoken with the negotiation
// server: event names, the envelope framing, and the payload structs for each
// event. Components above this package never touch raw JSON.
package wire
