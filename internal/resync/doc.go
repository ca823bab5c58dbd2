// Package resync heals persistent round gaps. The round counter is the
// authority for negotiation sequencing; when the event stream leaves a gap
// open past a deadline, the authoritative REST snapshot replaces the local
// view and buffered rounds replay on top of it.
package resync
