// internal/model/recipient.go
package model

import "strings"

// Recipient is one entry in a campaign's ordered recipient list. Fields
// beyond email/name are free-form personalization variables referenced by
// {placeholder} / {{placeholder}} tokens in the subject and body.
type Recipient struct {
	Email  string            `json:"email"`
	Name   string            `json:"name,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// DisplayName falls back to the mailbox-local part of the address when no
// name was supplied.
func (r Recipient) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	if at := strings.Index(r.Email, "@"); at > 0 {
		return r.Email[:at]
	}
	return r.Email
}
