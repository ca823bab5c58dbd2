// Package restapi is the HTTP client for the negotiation service. The event
// stream is the primary data path; this client backs it up with snapshot
// fetches for resync and offline-first startup.
package restapi
