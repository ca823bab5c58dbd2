// Package delivery tracks outgoing messages from enqueue to acknowledgment.
//
// Every send is written to the channel's pending queue first, so the original
// payload survives process restarts and reconnects. A message leaves the
// queue only when the server acknowledges it or when its retry budget is
// exhausted, in which case the caller is told explicitly via the Dropped
// stream.
package delivery
