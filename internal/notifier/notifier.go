package notifier

import (
	"context"
	"errors"
)

// Notifier delivers a human-readable message about a download event.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// Multi fans a message out to every configured notifier. A failing target
// does not stop delivery to the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, content string) error {
	var errs []error

	for _, n := range m {
		if err := n.Notify(ctx, content); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
