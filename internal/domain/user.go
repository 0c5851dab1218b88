// Package domain contains entity without logic, just meta-data
package domain

import (
	"time"
)

type UserID string

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusIdle    UserStatus = "idle"
	StatusDND     UserStatus = "dnd"
	StatusOffline UserStatus = "offline"
)

// User is the public view of an account as sent in the gateway Ready payload.
type User struct {
	ID            UserID     `json:"id"`
	Username      string     `json:"username"`
	Discriminator string     `json:"discriminator"`
	AvatarURL     *string    `json:"avatarUrl"`
	Status        UserStatus `json:"status"`
	IsBot         bool       `json:"isBot"`
	CreatedAt     time.Time  `json:"createdAt"`
}
