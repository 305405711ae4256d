package model

import "time"

type (
	// Envelope is an encrypted payload plus its key wrapped for the owner and each recipient.
	Envelope struct {
		Payload        Value        `json:"payload" bson:"payload"`
		OwnerKey       string       `json:"owner_key" bson:"owner_key"`
		OwnerPublicKey []byte       `json:"owner_pub" bson:"owner_pub"`
		RecipientKeys  []WrappedKey `json:"recipient_keys" bson:"recipient_keys"`
	}

	Secret struct {
		ID        string    `json:"id" bson:"_id"`
		Owner     string    `json:"owner" bson:"owner"`
		Envelope  Envelope  `json:"envelope" bson:"envelope"`
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	GroupSecret struct {
		ID      string `json:"id" bson:"id"`
		Payload Value  `json:"payload" bson:"payload"`
	}

	// Group shares one symmetric key among participants. Version increases on every rotation.
	Group struct {
		ID          string        `json:"id" bson:"_id"`
		Owner       string        `json:"owner" bson:"owner"`
		Name        Value         `json:"name" bson:"name"`
		WrappedKeys []WrappedKey  `json:"wrapped_keys" bson:"wrapped_keys"`
		Secrets     []GroupSecret `json:"secrets" bson:"secrets"`
		Version     int           `json:"version" bson:"version"`
		UpdatedAt   time.Time     `json:"updated_at" bson:"updated_at"`
	}

	// GroupRotation replaces a group's ciphertexts and wrapped keys in one step.
	// PreviousVersion guards against a concurrent rotation.
	GroupRotation struct {
		PreviousVersion int           `json:"previous_version"`
		Name            Value         `json:"name"`
		WrappedKeys     []WrappedKey  `json:"wrapped_keys"`
		Secrets         []GroupSecret `json:"secrets"`
	}
)

// KeyFor returns the wrapped key held by email.
func (g *Group) KeyFor(email string) (*WrappedKey, bool) {
	for i := range g.WrappedKeys {
		if g.WrappedKeys[i].Email == email {
			return &g.WrappedKeys[i], true
		}
	}
	return nil, false
}

// Participants returns the emails holding a wrapped key.
func (g *Group) Participants() []string {
	out := make([]string, 0, len(g.WrappedKeys))
	for _, k := range g.WrappedKeys {
		out = append(out, k.Email)
	}
	return out
}

// KeyFor returns the wrapped key held by a recipient of the envelope.
func (e *Envelope) KeyFor(email string) (*WrappedKey, bool) {
	for i := range e.RecipientKeys {
		if e.RecipientKeys[i].Email == email {
			return &e.RecipientKeys[i], true
		}
	}
	return nil, false
}
