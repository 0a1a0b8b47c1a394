// Command storefront-demo runs the sync core against an in-process backend:
// it seeds a catalog, performs optimistic cart mutations, simulates a
// transport drop, and prints the derived cart totals along the way.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	storesync "github.com/c0deZ3R0/go-storefront-kit"
	"github.com/c0deZ3R0/go-storefront-kit/config"
	"github.com/c0deZ3R0/go-storefront-kit/logging"
)

func main() {
	logging.Init(logging.GetConfigFromEnv())
	cfg := config.Load()

	logging.Info("storefront demo starting",
		slog.Duration("confirm_timeout", cfg.ConfirmTimeout),
		slog.Duration("backoff_initial", cfg.BackoffInitial),
	)

	if err := run(cfg); err != nil {
		logging.Error("demo failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx := context.Background()

	backend := storesync.NewMemoryBackend()
	seedCatalog(backend)

	client, err := storesync.New(storesync.Options{
		Backend:        backend,
		UserID:         "demo-user",
		ConfirmTimeout: cfg.ConfirmTimeout,
		Backoff: func() storesync.BackoffStrategy {
			return &storesync.ExponentialBackoff{
				InitialDelay: cfg.BackoffInitial,
				MaxDelay:     cfg.BackoffMax,
				Multiplier:   cfg.BackoffMultiplier,
			}
		},
		OnError: func(err error) {
			logging.Warn("recoverable sync error", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	removeStatus := client.OnStatus(func(s storesync.Status) {
		if s.Degraded {
			logging.Warn("connection degraded, reconnecting",
				slog.Int("attempts", s.ReconnectAttempts))
		} else {
			logging.Info("connection healthy")
		}
	})
	defer removeStatus()

	if err := client.Start(ctx); err != nil {
		return err
	}

	// Follow the product catalog alongside the cart.
	products, err := client.Subscribe(ctx, storesync.Key{EntityType: storesync.EntityProduct})
	if err != nil {
		return err
	}
	defer client.Unsubscribe(products)

	logging.Info("adding items to cart")
	if _, err := client.AddCartItem(ctx, storesync.CartItem{
		ProductID: "mug", Quantity: 2, UnitPrice: 1250,
	}); err != nil {
		return err
	}
	addID, err := client.AddCartItem(ctx, storesync.CartItem{
		ProductID: "shirt", Quantity: 1, UnitPrice: 2999,
	})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Mutations().Wait(waitCtx, addID); err != nil {
		return err
	}
	printCart(client)

	// Change a quantity through the serialized mutation lane.
	items := client.Cache().List(storesync.EntityCartItem, nil)
	if len(items) > 0 {
		updID, err := client.UpdateCartItemQuantity(ctx, items[0].ID, 5)
		if err != nil {
			return err
		}
		if _, err := client.Mutations().Wait(waitCtx, updID); err != nil {
			return err
		}
		printCart(client)
	}

	// Simulate a transport drop. The client degrades, reconnects, and
	// resyncs without losing the cart.
	logging.Info("simulating transport drop")
	backend.DropChannels()
	time.Sleep(2 * cfg.BackoffInitial)
	printCart(client)

	logging.Info("demo complete")
	return nil
}

func seedCatalog(backend *storesync.MemoryBackend) {
	catalog := map[string]string{
		"mug":     `{"name":"Enamel Mug","price":1250}`,
		"shirt":   `{"name":"Logo Shirt","price":2999}`,
		"sticker": `{"name":"Sticker Pack","price":499}`,
	}
	for id, payload := range catalog {
		backend.Seed(storesync.EntityProduct, storesync.Entity{
			ID:      id,
			Payload: []byte(payload),
		})
	}
}

func printCart(client *storesync.Client) {
	items := client.CartItems()
	fmt.Printf("cart: %d items, subtotal %d\n", storesync.TotalItemCount(items), storesync.TotalPrice(items))
	for _, item := range items {
		fmt.Printf("  %s x%d @ %d\n", item.ProductID, item.Quantity, item.UnitPrice)
	}
}
