package group

import "context"

// PushRegistrar subscribes the device to push notifications for closed
// groups it belongs to.
type PushRegistrar interface {
	Subscribe(ctx context.Context, groupPublicKey string) error
	Unsubscribe(ctx context.Context, groupPublicKey string) error
}

// NopRegistrar is a PushRegistrar for deployments without push.
type NopRegistrar struct{}

func (NopRegistrar) Subscribe(context.Context, string) error   { return nil }
func (NopRegistrar) Unsubscribe(context.Context, string) error { return nil }
