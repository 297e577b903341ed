// Package clock provides a small abstraction over wall-clock time so that
// time-dependent behavior (expiry windows, throttle windows) can be driven
// deterministically in tests.
package clock
