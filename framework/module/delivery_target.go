package module

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
)

// DeliveryTarget is anything a message can be handed off to: persistent
// storage, an outbound queue, a relay connection.
type DeliveryTarget interface {
	// Start begins the delivery of a new message.
	//
	// The domain part of mailFrom is expected to already be in U-label,
	// NFC-normalized, case-folded form. Message sources that accept
	// arbitrary input should run addresses through address.CleanDomain
	// first.
	Start(ctx context.Context, msgMeta *MsgMetadata, mailFrom string) (Delivery, error)
}

// Delivery is one in-progress message transaction created by
// DeliveryTarget.Start.
type Delivery interface {
	// AddRcpt adds one target address for the message.
	//
	// The domain part follows the same normalization contract as the
	// mailFrom argument of Start.
	//
	// The caller performs no case-folding or deduplication, so the
	// implementation has to handle repeated or differently-cased
	// recipients itself. Duplicates are better ignored than rejected.
	//
	// As many checks as possible should happen here so that unusable
	// recipients are refused before the body transfer. When
	// MsgMetadata.BodyLength is non-zero it can be used for quota
	// decisions ahead of Body.
	AddRcpt(ctx context.Context, rcptTo string) error

	// Body sets the header and body contents of the message. A failure
	// here means the message could not be delivered to any recipient.
	//
	// Nothing should be persisted until Commit; when the storage cannot
	// guarantee that, Abort must roll the changes back. A maildir-style
	// implementation would write the file under tmp/ here, rename it
	// into new/ on Commit and unlink it on Abort.
	//
	// Implementations that can only fail per-recipient at this stage
	// should additionally implement PartialDelivery for sources that
	// can represent per-recipient statuses.
	Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error

	// Abort cancels the transaction, undoing changes where possible.
	Abort(ctx context.Context) error

	// Commit finalizes the transaction. With multiple targets in play a
	// failure here breaks delivery atomicity, so implementations should
	// arrange for it to be infallible in practice.
	Commit(ctx context.Context) error
}
