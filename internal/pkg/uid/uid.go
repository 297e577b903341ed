// Package uid provides ID generators used across the application.
package uid

// NumberID generates int64 identifiers suitable for database keys.
type NumberID interface {
	Generate() int64
}

// StringID generates string identifiers such as correlation IDs.
type StringID interface {
	Generate() string
}
