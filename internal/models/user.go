package models

import (
	"time"
)

// DefaultRole is assigned to every account created through self-registration.
// Elevated roles (instructor, admin) are granted out of band.
const DefaultRole = "student"

type User struct {
	ID           string    `json:"id" dynamodbav:"user_id"`
	Username     string    `json:"username" dynamodbav:"username"`
	Email        string    `json:"email" dynamodbav:"email"`
	PasswordHash string    `json:"-" dynamodbav:"password_hash"`
	FirstName    string    `json:"first_name,omitempty" dynamodbav:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty" dynamodbav:"last_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty" dynamodbav:"avatar_url,omitempty"`
	Roles        []string  `json:"roles" dynamodbav:"roles"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return "USER#" + u.ID
}

func (u *User) GetSK() string {
	return "METADATA"
}
