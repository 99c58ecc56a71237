package fetcher

import (
	"context"

	"github.com/rotisserie/eris"
)

const streamBuffer = 64

// stream runs produce on its own goroutine and exposes what it emits on a
// channel. emit fails once ctx is done and produce should return that error.
// Whatever produce returns is sent on the error channel, and both channels
// are closed afterwards.
func stream[T any](ctx context.Context, name string, produce func(emit func(T) error) error) (<-chan T, <-chan error) {
	out := make(chan T, streamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(out)

		emit := func(v T) error {
			select {
			case out <- v:
				return nil
			case <-ctx.Done():
				return eris.Wrapf(ctx.Err(), "%s: context cancelled", name)
			}
		}
		if err := produce(emit); err != nil {
			errs <- err
		}
	}()

	return out, errs
}
