package core

// SessionID identifies one authenticated gateway connection.
type SessionID string
