// internal/model/mailbox.go
package model

import "time"

// Mailbox is a connected sending account. Token acquisition happens in the
// OAuth layer; this core only reads credentials and rotates them after a
// refresh.
type Mailbox struct {
	MailboxID    string    `db:"mailbox_id" json:"mailbox_id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Email        string    `db:"email" json:"email"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
