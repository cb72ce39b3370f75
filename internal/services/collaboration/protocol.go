package collaboration

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"synced-todos/internal/crdt"
	"synced-todos/internal/models"
)

// Session messages are { 1: version, 2: type, 3: payload }. Payloads are a
// state vector (sync step 1), an update (sync step 2, update) or an awareness
// update.
const protocolVersion = 1

func encodeMessage(t models.MessageType, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+8)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protocolVersion)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t))
	if len(payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func decodeMessage(b []byte) (models.MessageType, []byte, error) {
	var version, typ uint64
	var payload []byte
	var hasType bool
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, &crdt.DecodeError{Reason: "message tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]
		switch {
		case num == 1 && wt == protowire.VarintType:
			version, n = protowire.ConsumeVarint(b)
		case num == 2 && wt == protowire.VarintType:
			typ, n = protowire.ConsumeVarint(b)
			hasType = true
		case num == 3 && wt == protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, wt, b)
		}
		if n < 0 {
			return 0, nil, &crdt.DecodeError{Reason: fmt.Sprintf("message field %d", num), Err: protowire.ParseError(n)}
		}
		b = b[n:]
	}
	if version != protocolVersion {
		return 0, nil, &crdt.DecodeError{Reason: fmt.Sprintf("unsupported message version %d", version)}
	}
	if !hasType || typ > uint64(models.MessageTypeQueryAwareness) {
		return 0, nil, &crdt.DecodeError{Reason: fmt.Sprintf("unknown message type %d", typ)}
	}
	return models.MessageType(typ), payload, nil
}
