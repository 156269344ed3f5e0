package domain

import (
	"regexp"

	"github.com/google/uuid"
)

// TenantID identifies the tenant a request executes on behalf of.
type TenantID string

func (t TenantID) IsEmpty() bool { return t == "" }

func (t TenantID) String() string { return string(t) }

// RequestID is the caller-supplied correlation id for one ExecuteRequest.
type RequestID string

func (r RequestID) String() string { return string(r) }

// DecisionID identifies one PolicyDecision. Time-ordered (UUIDv7) so the
// decision store can be scanned in creation order without a secondary index.
type DecisionID uuid.UUID

// NewDecisionID returns a fresh time-ordered decision id.
func NewDecisionID() DecisionID {
	return DecisionID(uuid.Must(uuid.NewV7()))
}

func (d DecisionID) IsNil() bool    { return uuid.UUID(d) == uuid.Nil }
func (d DecisionID) String() string { return uuid.UUID(d).String() }

// ReceiptID identifies one Receipt. Time-ordered (UUIDv7).
type ReceiptID uuid.UUID

// NewReceiptID returns a fresh time-ordered receipt id.
func NewReceiptID() ReceiptID {
	return ReceiptID(uuid.Must(uuid.NewV7()))
}

func (r ReceiptID) IsNil() bool    { return uuid.UUID(r) == uuid.Nil }
func (r ReceiptID) String() string { return uuid.UUID(r).String() }

// EventID identifies one OutcomeEvent.
type EventID uuid.UUID

// NewEventID returns a fresh time-ordered event id.
func NewEventID() EventID {
	return EventID(uuid.Must(uuid.NewV7()))
}

func (e EventID) IsNil() bool    { return uuid.UUID(e) == uuid.Nil }
func (e EventID) String() string { return uuid.UUID(e).String() }

// Text marshalling renders ids in canonical UUID form (defined types do
// not inherit uuid.UUID's methods).

func (d DecisionID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DecisionID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*d = DecisionID(u)
	return nil
}

func (r ReceiptID) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *ReceiptID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*r = ReceiptID(u)
	return nil
}

func (e EventID) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *EventID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*e = EventID(u)
	return nil
}

// ParseReceiptID parses the canonical UUID string form.
func ParseReceiptID(s string) (ReceiptID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ReceiptID{}, err
	}
	return ReceiptID(u), nil
}

// ParseDecisionID parses the canonical UUID string form.
func ParseDecisionID(s string) (DecisionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DecisionID{}, err
	}
	return DecisionID(u), nil
}

// capabilityIDPattern is the required provider.action shape, e.g.
// "slack.post_message".
var capabilityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// CapabilityID is the provider.action identifier of a capability.
type CapabilityID string

func (c CapabilityID) String() string { return string(c) }

// Valid reports whether the id matches the provider.action grammar.
func (c CapabilityID) Valid() bool {
	return capabilityIDPattern.MatchString(string(c))
}

// Provider returns the provider segment of the id ("" when malformed).
func (c CapabilityID) Provider() string {
	for i, r := range c {
		if r == '.' {
			return string(c[:i])
		}
	}
	return ""
}
