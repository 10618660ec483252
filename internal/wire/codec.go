package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are fixed for the lifetime of protocol version 1. Decoders
// skip unknown numbers so later versions can add fields without breaking
// older participants.
const (
	fieldTimestamp    = 1
	fieldSender       = 2
	fieldContent      = 3
	fieldMessageID    = 4
	fieldReplySender  = 5
	fieldReplyPreview = 6
)

const (
	gotTimestamp = 1 << iota
	gotSender
	gotContent
	gotMessageID

	gotRequired = gotTimestamp | gotSender | gotContent | gotMessageID
)

// Encode serializes a message into the numbered-field binary schema.
func Encode(m Message) []byte {
	buf := make([]byte, 0, 16+len(m.Sender)+len(m.Content)+len(m.ID))
	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Timestamp))
	buf = protowire.AppendTag(buf, fieldSender, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Sender)
	buf = protowire.AppendTag(buf, fieldContent, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Content)
	buf = protowire.AppendTag(buf, fieldMessageID, protowire.BytesType)
	buf = protowire.AppendString(buf, m.ID)
	if m.ReplyTo != nil {
		buf = protowire.AppendTag(buf, fieldReplySender, protowire.BytesType)
		buf = protowire.AppendString(buf, m.ReplyTo.Sender)
		buf = protowire.AppendTag(buf, fieldReplyPreview, protowire.BytesType)
		buf = protowire.AppendString(buf, m.ReplyTo.Preview)
	}
	return buf
}

// Decode parses a binary payload into a Message. Payloads missing any of the
// four required fields, or with corrupt framing, fail with ErrMalformedPayload.
// Unknown field numbers are skipped.
func Decode(payload []byte) (Message, error) {
	var (
		m     Message
		reply ReplyPreview
		got   int
	)

	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return Message{}, fmt.Errorf("read field tag: %w", ErrMalformedPayload)
		}
		payload = payload[n:]

		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("read timestamp: %w", ErrMalformedPayload)
			}
			m.Timestamp = int64(v)
			got |= gotTimestamp
			payload = payload[n:]
		case num == fieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("read sender: %w", ErrMalformedPayload)
			}
			m.Sender = v
			got |= gotSender
			payload = payload[n:]
		case num == fieldContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("read content: %w", ErrMalformedPayload)
			}
			m.Content = v
			got |= gotContent
			payload = payload[n:]
		case num == fieldMessageID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("read message id: %w", ErrMalformedPayload)
			}
			m.ID = v
			got |= gotMessageID
			payload = payload[n:]
		case num == fieldReplySender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("read reply sender: %w", ErrMalformedPayload)
			}
			reply.Sender = v
			m.ReplyTo = &reply
			payload = payload[n:]
		case num == fieldReplyPreview && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("read reply preview: %w", ErrMalformedPayload)
			}
			reply.Preview = v
			m.ReplyTo = &reply
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return Message{}, fmt.Errorf("skip unknown field %d: %w", num, ErrMalformedPayload)
			}
			payload = payload[n:]
		}
	}

	if got != gotRequired {
		return Message{}, fmt.Errorf("payload missing required fields: %w", ErrMalformedPayload)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("empty message id: %w", ErrMalformedPayload)
	}
	return m, nil
}
