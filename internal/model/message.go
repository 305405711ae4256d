package model

type EventType string

const (
	EventSecretChanged EventType = "secret_changed"
	EventSecretDeleted EventType = "secret_deleted"
	EventGroupRotated  EventType = "group_rotated"
	EventGroupChanged  EventType = "group_changed"
)

type (
	// Event is pushed to connected clients over the change feed.
	Event struct {
		Type     EventType `json:"type"`
		SecretID string    `json:"secret_id,omitempty"`
		GroupID  string    `json:"group_id,omitempty"`
		Version  int       `json:"version,omitempty"`
		To       []string  `json:"-"`
	}
)
