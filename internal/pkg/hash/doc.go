// Package hash provides helpers for keyed hashing and constant-time
// verification of secrets. The primary use here is fingerprinting request
// payloads for idempotency-key binding: store only the fingerprint, then
// verify a replayed request by comparing against the stored value.
package hash
