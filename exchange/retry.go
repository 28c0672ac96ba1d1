package exchange

import (
	"context"

	"datacollector/logger"
)

// RetryOnce runs fn and, if it fails, runs it one more time before giving up.
// Used for the market and asset bootstrap.
func RetryOnce(ctx context.Context, log *logger.Entry, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	log.WithError(err).WithFields(logger.Fields{"operation": op}).Warn("retrying after failure")
	return fn(ctx)
}
