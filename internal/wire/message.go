// Package wire defines the encrypted binary frame exchanged between room
// participants: a compact numbered-field encoding sealed with the room's
// symmetric key. Decoding is strict; a payload either yields a complete
// typed message or an error, never a partially populated value.
package wire

import "errors"

var (
	// ErrMalformedPayload reports a payload that does not decode into a
	// complete chat message.
	ErrMalformedPayload = errors.New("malformed chat payload")
	// ErrDecrypt reports a payload that fails authentication under the room
	// key, either corruption or a topic-colliding foreign sender.
	ErrDecrypt = errors.New("decrypt chat payload")
)

// ReplyPreview carries the quoted-sender context of a reply as structured
// wire fields rather than a textual marker inside the content.
type ReplyPreview struct {
	Sender  string
	Preview string
}

// Message is a single chat message as seen on the wire and in transcripts.
type Message struct {
	// ID is an opaque unique string; uniqueness within a room lifetime is
	// what deduplication keys on.
	ID string
	// Sender is the self-asserted display name. It is not verified.
	Sender string
	// Content is the UTF-8 message body.
	Content string
	// Timestamp is milliseconds since the Unix epoch, stamped by the sender.
	Timestamp int64
	// ReplyTo is present when this message quotes an earlier one.
	ReplyTo *ReplyPreview
}

// Equal reports whether two messages carry identical wire-visible fields.
func (m Message) Equal(other Message) bool {
	if m.ID != other.ID || m.Sender != other.Sender || m.Content != other.Content || m.Timestamp != other.Timestamp {
		return false
	}
	if (m.ReplyTo == nil) != (other.ReplyTo == nil) {
		return false
	}
	if m.ReplyTo != nil && *m.ReplyTo != *other.ReplyTo {
		return false
	}
	return true
}
