package model

import "time"

// Bot is a catalog entry. Owner is the owning user's username, copied by
// value at creation time.
type Bot struct {
	ID            string    `json:"id"            db:"id"`
	Name          string    `json:"name"          db:"name"`
	RepositoryURL string    `json:"repositoryUrl" db:"repository_url"`
	Logo          string    `json:"logo"          db:"logo"`
	Description   string    `json:"description"   db:"description"`
	Owner         string    `json:"owner"         db:"owner"`
	CreatedAt     time.Time `json:"createdAt"     db:"created_at"`
}
