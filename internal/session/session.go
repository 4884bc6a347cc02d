// Package session carries the local user's identity and credential. A
// Session is immutable for the lifetime of a connection attempt; changing
// identity means disconnecting and connecting with a new Session.
package session

import "errors"

type Session struct {
	UserID      string
	DisplayName string
	AvatarURL   string

	// Token is the bearer credential attached to the realtime handshake and
	// to every history request.
	Token string
}

func New(userID, displayName, avatarURL, token string) (Session, error) {
	if userID == "" {
		return Session{}, errors.New("session: user id is required")
	}
	if token == "" {
		return Session{}, errors.New("session: credential is required")
	}
	return Session{
		UserID:      userID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Token:       token,
	}, nil
}
