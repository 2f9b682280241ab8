package models

import "time"

type User struct {
	ID              string
	Name            string
	Email           string
	Password        string // hashed
	Avatar          string
	ExternalSubject string // federated account uid, empty for local-only users
	LastOnline      time.Time
	LastOffline     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Identity is the read-only view of a user bound to a connection.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
}

type Attachment struct {
	Data        []byte
	ContentType string
}

// Message is the stored form. Content holds ciphertext when encryption is on.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	Image     *Attachment
	IsRead    bool
	Timestamp time.Time
}

// MessageView is a rehydrated message: plaintext content and a base64 image,
// safe to put on the wire.
type MessageView struct {
	ID        string     `json:"_id"`
	Sender    string     `json:"sender"`
	Receiver  string     `json:"receiver"`
	Content   string     `json:"content,omitempty"`
	Image     *ImageView `json:"image,omitempty"`
	IsRead    bool       `json:"isRead"`
	Timestamp time.Time  `json:"timestamp"`
}

type ImageView struct {
	Data        string `json:"data"`
	ContentType string `json:"contentType"`
}
