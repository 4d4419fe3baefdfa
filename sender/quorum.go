package sender

import (
	"context"
	"errors"

	"github.com/opd-ai/swarmchat/messaging"
)

// awaitQuorum waits for the first node to accept the envelope. It fails
// only when every node has failed, joining their errors under
// ErrSendFailed. Results that arrive after the decision are drained in the
// background and only counted, until ctx is done.
func awaitQuorum(ctx context.Context, results []<-chan error) error {
	if len(results) == 0 {
		return messaging.ErrSendFailed
	}

	merged := make(chan error, len(results))
	for _, ch := range results {
		ch := ch
		go func() {
			select {
			case err := <-ch:
				nodeResults.WithLabelValues(resultLabel(err)).Inc()
				merged <- err
			case <-ctx.Done():
			}
		}()
	}

	errs := []error{messaging.ErrSendFailed}
	for range results {
		select {
		case err := <-merged:
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}
