// Command api-server runs the bookstore checkout API and the Stripe webhook
// receiver.
package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	bookstore "github.com/xenking/bookstore-checkout/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := bookstore.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "config")
		}
		return bookstore.Run(ctx, lg, m, cfg)
	})
}
