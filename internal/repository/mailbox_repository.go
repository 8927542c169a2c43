package repository

import (
	"database/sql"
	"time"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
)

// MailboxRepositoryInterface is what the dispatcher needs: fresh
// credentials before each send and token rotation after a refresh.
type MailboxRepositoryInterface interface {
	GetByID(id string) (*model.Mailbox, error)
	UpdateTokens(id, accessToken, refreshToken string) error
}

type MailboxRepository struct {
	DB *sql.DB
}

func (r *MailboxRepository) GetByID(id string) (*model.Mailbox, error) {
	query := `
        SELECT mailbox_id, user_id, email, access_token, refresh_token, updated_at
        FROM mailboxes WHERE mailbox_id=$1
    `
	var m model.Mailbox
	err := r.DB.QueryRow(query, id).Scan(
		&m.MailboxID, &m.UserID, &m.Email, &m.AccessToken, &m.RefreshToken, &m.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewMailboxNotFound(id)
		}
		return nil, err
	}
	return &m, nil
}

func (r *MailboxRepository) UpdateTokens(id, accessToken, refreshToken string) error {
	query := `UPDATE mailboxes SET access_token=$1, refresh_token=$2, updated_at=$3 WHERE mailbox_id=$4`
	_, err := r.DB.Exec(query, accessToken, refreshToken, time.Now().UTC(), id)
	return err
}

var _ MailboxRepositoryInterface = (*MailboxRepository)(nil)
