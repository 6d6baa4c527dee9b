package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"stock-reservation-service/internal/app"
	"stock-reservation-service/internal/config"
	"stock-reservation-service/internal/models"
)

func main() {
	stockFlag := flag.Int("stock", 10, "Units in stock for every seeded product")
	flag.Parse()

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

	products := []struct {
		Name  string
		Price string
	}{
		{Name: "Camisa de lino", Price: "19.99"},
		{Name: "Pantalon chino", Price: "34.50"},
		{Name: "Gorra bordada", Price: "9.50"},
		{Name: "Chaqueta impermeable", Price: "79.00"},
		{Name: "Zapatilla urbana", Price: "59.90"},
	}

	fmt.Println("🌱 Seeding products")
	for _, p := range products {
		req := &models.ProductCreateRequest{
			Name:            p.Name,
			Price:           decimal.RequireFromString(p.Price),
			QuantityInStock: *stockFlag,
		}
		if err := req.Validate(); err != nil {
			log.Fatalf("Invalid product %q: %v", p.Name, err)
		}

		product, err := container.Store().CreateProduct(ctx, req)
		if err != nil {
			log.Fatalf("Failed to create product %q: %v", p.Name, err)
		}
		fmt.Printf("✅ %d  %-22s %8s  stock %d\n", product.ID, product.Name, product.Price.StringFixed(2), product.QuantityInStock)
	}
	fmt.Printf("🎉 Seeded %d products\n", len(products))
}
