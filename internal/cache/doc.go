// Package cache implements the local per-channel message cache: an
// append-only history keyed by permanent ID with idempotent merge, and a FIFO
// pending-send queue. A pluggable Store persists both so history and queued
// messages survive process restarts. Backends live in subpackages.
package cache
