// Package store persists the little state that must survive a restart: the
// opaque transport credential, plus an audit trail of per-recipient dispatch
// outcomes for offline inspection.
//
// Everything else in the daemon (dispatch history, gate tables) is kept
// in-memory and starts empty after a restart.
package store
