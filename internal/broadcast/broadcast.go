// Package broadcast fans enriched room updates out to realtime viewers.
package broadcast

import (
	"context"
	"errors"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// Sink receives every persisted update.
type Sink interface {
	Publish(ctx context.Context, u types.RoomUpdate) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, u types.RoomUpdate) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
