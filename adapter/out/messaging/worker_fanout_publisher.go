package messaging

import (
	"context"
	"errors"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
)

// FanoutPublisher publishes each event to every target and joins the errors.
type FanoutPublisher []out.SyncEventPublisher

var _ out.SyncEventPublisher = FanoutPublisher(nil)

func (f FanoutPublisher) Publish(ctx context.Context, event *out.SyncEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
