package broker

import "context"

// Publisher is the narrow capability the command service depends on,
// satisfied by *Client, and by any test double that wants to assert on
// dispatch retry behavior without a live NATS connection.
type Publisher interface {
	PublishCommand(ctx context.Context, tenant, project, target, commandID string, payload []byte, qos int) error
}

// DataSubscriber is the capability the ingest composition root depends on.
type DataSubscriber interface {
	SubscribeData(ctx context.Context, handler DataHandler) error
}

// ReceiptSubscriber is the capability the receipt listener depends on.
type ReceiptSubscriber interface {
	SubscribeReceipts(ctx context.Context, durableName string, handler ReceiptHandler) error
}
