package model

import "time"

type (
	// Salts are hex encoded PBKDF2 salts, one per derived key pair.
	Salts struct {
		Login      string `json:"login" bson:"login"`
		Encryption string `json:"encryption" bson:"encryption"`
		Signing    string `json:"signing" bson:"signing"`
	}

	Registration struct {
		Email string      `json:"email"`
		Token string      `json:"token"`
		Salts Salts       `json:"salts"`
		Keys  AccountKeys `json:"keys"`
	}

	RegistrationToken struct {
		Email string `json:"email"`
		Token string `json:"token"`
	}

	ChallengeRequest struct {
		Email string `json:"email"`
	}

	// Challenge is a single-use nonce bound to one login attempt.
	Challenge struct {
		ID        string    `json:"id"`
		Nonce     []byte    `json:"nonce"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	ChallengeResponse struct {
		Email       string `json:"email"`
		ChallengeID string `json:"challenge_id"`
		Signature   []byte `json:"signature"`
	}

	// LoginTicket carries the one-time code issued after a valid signature.
	LoginTicket struct {
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	CodeExchange struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}

	SessionInfo struct {
		SessionID string      `json:"session_id"`
		Email     string      `json:"email"`
		Salts     Salts       `json:"salts"`
		Keys      AccountKeys `json:"keys"`
		ExpiresAt time.Time   `json:"expires_at"`
	}
)
