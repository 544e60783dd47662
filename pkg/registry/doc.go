// Package registry owns executor records: registration, bearer-token
// authentication, heartbeats and status transitions.
//
//	REGISTERED ──hb──▶ READY ──dispatch──▶ BUSY
//	READY/BUSY/DRAINING ──stale──▶ OFFLINE ──hb──▶ READY
//
// Tokens are 32 random bytes, hex encoded, and stored only as a SHA-256 hash.
package registry
