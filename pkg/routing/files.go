package routing

import (
	"fmt"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// RelayFile queues one direct file-transfer envelope (FILE_START,
// FILE_CHUNK or FILE_END) for the recipient, verbatim. Chunks of one
// file keep their order through the FIFO queue; nothing orders
// separate files against each other.
func (r *Router) RelayFile(msg protocol.Message) error {
	if !isFileType(msg.Type) {
		return &protocol.InvalidPayloadTypeError{Expected: "FileStart|FileChunk|FileEnd", Actual: msg.Type.Name()}
	}
	to, ok := msg.To.AsID()
	if !ok {
		return &protocol.PayloadExtractionError{Detail: fmt.Sprintf("file envelope to non-id recipient %s", msg.To)}
	}
	r.node.Mail.Enqueue(to, msg)
	return nil
}

// PollFileEvents drains a user's queue. File envelopes share the
// per-user mailbox with direct messages, so either poll endpoint
// returns whatever is queued; clients dispatch on envelope type.
func (r *Router) PollFileEvents(user identity.ID) []protocol.Message {
	return r.node.Mail.Drain(user)
}
