package hash

// Hash hashes plaintext values and verifies plaintexts against stored hashes.
type Hash interface {
	// Hash returns the hash of the input string.
	Hash(str string) ([]byte, error)
	// Verify reports whether the plaintext string matches the given hash.
	Verify(hashed, str string) bool
}
