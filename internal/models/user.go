package models

// User is the local view of the active user: everything needed to recreate
// it on the backend from scratch.
type User struct {
	// OnesignalID is the owner key of every operation about this user.
	OnesignalID   string                   `json:"onesignal_id"`
	ExternalID    string                   `json:"external_id,omitempty"`
	Aliases       map[string]string        `json:"aliases,omitempty"`
	Properties    map[string]any           `json:"properties,omitempty"`
	Subscriptions map[string]*Subscription `json:"subscriptions,omitempty"`
}

type Subscription struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Enabled bool   `json:"enabled"`
}

func NewUser(onesignalID, externalID string) *User {
	return &User{
		OnesignalID:   onesignalID,
		ExternalID:    externalID,
		Aliases:       make(map[string]string),
		Properties:    make(map[string]any),
		Subscriptions: make(map[string]*Subscription),
	}
}

// Clone returns a deep copy of u. Property values are copied shallowly.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := NewUser(u.OnesignalID, u.ExternalID)
	for k, v := range u.Aliases {
		c.Aliases[k] = v
	}
	for k, v := range u.Properties {
		c.Properties[k] = v
	}
	for id, s := range u.Subscriptions {
		cp := *s
		c.Subscriptions[id] = &cp
	}
	return c
}

// Payload converts the subscription into its operation payload.
func (s *Subscription) Payload() SubscriptionPayload {
	return SubscriptionPayload{SubscriptionID: s.ID, Type: s.Type, Token: s.Token, Enabled: s.Enabled}
}
