package models

import "github.com/oklog/ulid/v2"

// NewULID generates a new ULID string.
func NewULID() string {
	return ulid.Make().String()
}

// LocalSessionID names a session that never reached the remote.
func LocalSessionID() string {
	return "local-" + NewULID()
}
