package ingest

import (
	"context"
	"errors"

	redisstore "taflow/internal/store/redis"
)

// Fanout sends every message to each notifier in order and joins their
// errors. Nil entries are skipped.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, m redisstore.Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
