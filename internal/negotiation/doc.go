// Package negotiation implements the round-based price haggling state
// machine. The round counter, not wall-clock order, is the authority for
// sequencing: offers arriving out of round order are buffered, never skipped,
// and an authoritative snapshot can reconcile the local view at any time.
package negotiation
