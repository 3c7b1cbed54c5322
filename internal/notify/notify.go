// Package notify publishes tab state-change events to downstream
// reporting/notification consumers.
package notify

import (
	"context"

	"github.com/billoapp/tabz/internal/domain"
)

type Notifier interface {
	TabStateChanged(ctx context.Context, change domain.StateChange) error
}

type Noop struct{}

func (Noop) TabStateChanged(_ context.Context, _ domain.StateChange) error {
	return nil
}
