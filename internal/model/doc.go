// Package model defines shared data types used across the negotiation client.
//
// Conventions:
//   - Offer amounts: float64 currency units, always positive
//   - Timestamps: time.Time in UTC; persistent stores use ms since Unix epoch
//   - IDs: ULID strings for client-assigned temp message IDs, server-issued
//     strings for everything else
package model
