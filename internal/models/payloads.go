package models

// Subscription types.
const (
	SubscriptionPush  = "push"
	SubscriptionEmail = "email"
	SubscriptionSMS   = "sms"
)

type CreateUserPayload struct {
	ExternalID    string                `json:"external_id,omitempty"`
	Aliases       map[string]string     `json:"aliases,omitempty"`
	Properties    map[string]any        `json:"properties,omitempty"`
	Subscriptions []SubscriptionPayload `json:"subscriptions,omitempty"`
}

type PropertyPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

type AliasPayload struct {
	Label string `json:"label"`
	ID    string `json:"id,omitempty"`
}

type SubscriptionPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	Enabled        bool   `json:"enabled"`
}

type TrackEventPayload struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

type SessionPayload struct {
	// DurationSeconds is only used by session end.
	DurationSeconds int64 `json:"duration_seconds,omitempty"`
}
