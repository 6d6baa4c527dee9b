package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"stock-reservation-service/internal/app"
	"stock-reservation-service/internal/config"
)

func main() {
	thresholdFlag := flag.Duration("threshold", 0, "Override the inactivity threshold (e.g. 3m)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if *thresholdFlag > 0 {
		cfg.Sweeper.InactivityThreshold = *thresholdFlag
	}

	ctx := context.Background()
	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize:", err)
	}
	defer container.Shutdown(ctx)

	result, err := container.Sweeper().SweepOnce(ctx)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	fmt.Println(string(out))

	if result.Failed > 0 {
		os.Exit(1)
	}
}
