// Package connection implements the transport session manager.
//
// The connection manager:
//   - Owns the single websocket session and its authenticate handshake
//   - Funnels concurrent Connect calls into one in-flight attempt
//   - Sends a wire-level ping every heartbeat interval and classifies
//     connection quality from the pong round-trip time
//   - Reconnects with growing delay up to a fixed attempt cap, then goes
//     Offline and surfaces a fatal error
//   - Forwards all other decoded frames to the client event loop
package connection
