package model

import "time"

type (
	// Account is the server-side record of a registered user. It holds public material only.
	Account struct {
		Email     string      `json:"email" bson:"_id"`
		Salts     Salts       `json:"salts" bson:"salts"`
		Keys      AccountKeys `json:"keys" bson:"keys"`
		CreatedAt time.Time   `json:"created_at" bson:"created_at"`
	}

	PublicKeyResponse struct {
		Email     string `json:"email"`
		PublicKey []byte `json:"public_key"`
	}
)
