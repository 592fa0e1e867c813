package consistency

// Condition is a predicate over the offsets of a single owner.
type Condition interface {
	// ID groups conditions of the same type so they can be force-resolved together.
	ID() string
	OwnerKey() string
	IsMet(offsets Offsets) bool
	// NewestOffset is the token handed back to the waiter once IsMet holds.
	NewestOffset(offsets Offsets) Token
}

// ReadyConditionID is the id shared by every ReadyCondition.
const ReadyConditionID = "ready"

// ReadyCondition holds once both the user and the subscription writes of an
// owner have been acknowledged. It guards reads of content personalised from
// both records, such as in-app messages.
type ReadyCondition struct {
	Owner string
}

func NewReadyCondition(ownerKey string) ReadyCondition {
	return ReadyCondition{Owner: ownerKey}
}

func (c ReadyCondition) ID() string { return ReadyConditionID }

func (c ReadyCondition) OwnerKey() string { return c.Owner }

func (c ReadyCondition) IsMet(offsets Offsets) bool {
	return offsets.Get(UserUpdate).Valid() && offsets.Get(SubscriptionUpdate).Valid()
}

func (c ReadyCondition) NewestOffset(offsets Offsets) Token {
	return Max(offsets.Get(UserUpdate), offsets.Get(SubscriptionUpdate))
}

// WriteCondition holds once a token of the given kind, at least Min, is
// recorded for the owner. Min of NoToken accepts any observed token.
type WriteCondition struct {
	Owner string
	Kind  WriteKind
	Min   Token
}

func (c WriteCondition) ID() string { return "write:" + c.Kind.String() }

func (c WriteCondition) OwnerKey() string { return c.Owner }

func (c WriteCondition) IsMet(offsets Offsets) bool {
	got := offsets.Get(c.Kind)
	if !got.Valid() {
		return false
	}
	min, ok := c.Min.Get()
	if !ok {
		return true
	}
	v, _ := got.Get()
	return v >= min
}

func (c WriteCondition) NewestOffset(offsets Offsets) Token {
	return offsets.Get(c.Kind)
}
