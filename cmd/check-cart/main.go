package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"stock-reservation-service/internal/app"
	"stock-reservation-service/internal/config"
)

func main() {
	userFlag := flag.Int64("user", 0, "User whose cart should be verified")
	flag.Parse()

	if *userFlag <= 0 {
		fmt.Println("Usage:")
		fmt.Println("  go run cmd/check-cart/main.go -user 42")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	ctx := context.Background()
	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize:", err)
	}
	defer container.Shutdown(ctx)

	results, err := container.Reconciler().VerifyExpiration(ctx, *userFlag)
	if err != nil {
		log.Fatalf("Failed to verify cart: %v", err)
	}

	entries, err := container.Reservations().List(ctx, *userFlag)
	if err != nil {
		log.Fatalf("Failed to list cart: %v", err)
	}

	fmt.Printf("Cart for user %d\n", *userFlag)
	fmt.Println("================")
	for _, e := range entries {
		fmt.Printf("product %-6d requested %-3d reserved %-3d %s  last touched %s\n",
			e.ProductID, e.QuantityRequested, e.QuantityReserved, e.Status(),
			e.LastTouchedAt.Format("2006-01-02 15:04:05"))
	}

	if len(results) == 0 {
		fmt.Println("\nNo changes needed")
		return
	}
	fmt.Printf("\n%d entries changed:\n", len(results))
	for _, r := range results {
		fmt.Printf("  product %d: %d -> %d (%s)\n", r.Entry.ProductID, r.Before, r.After, r.Reason)
	}
}
