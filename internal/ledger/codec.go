package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// NewAudit builds an audit event with a fresh ID and a msgpack-encoded
// payload. Encoding failures degrade to an empty payload rather than losing
// the event itself.
func NewAudit(kind AuditKind, symbol string, payload any) AuditEvent {
	event := AuditEvent{
		ID:     uuid.NewString(),
		At:     time.Now().UTC(),
		Kind:   kind,
		Symbol: symbol,
	}
	if payload != nil {
		if data, err := msgpack.Marshal(payload); err == nil {
			event.Payload = data
		}
	}
	return event
}

// DecodePayload unpacks an audit payload into out.
func DecodePayload(event AuditEvent, out any) error {
	return msgpack.Unmarshal(event.Payload, out)
}
