package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/catalog"
)

type seedProduct struct {
	Name          string                     `json:"name"`
	Code          string                     `json:"code"`
	GSTApplicable bool                       `json:"gstApplicable"`
	Prices        map[string]decimal.Decimal `json:"prices"`
}

var sampleProducts = []seedProduct{
	{Name: "Basmati Rice 5kg", Code: "RICE-5KG", GSTApplicable: true, Prices: map[string]decimal.Decimal{"Retail": decimal.NewFromInt(650), "Wholesale": decimal.NewFromInt(590)}},
	{Name: "Toor Dal 1kg", Code: "DAL-1KG", GSTApplicable: true, Prices: map[string]decimal.Decimal{"Retail": decimal.NewFromInt(160), "Wholesale": decimal.NewFromInt(142)}},
	{Name: "Sunflower Oil 1L", Code: "OIL-1L", GSTApplicable: true, Prices: map[string]decimal.Decimal{"Retail": decimal.RequireFromString("189.50"), "Wholesale": decimal.NewFromInt(170)}},
	{Name: "Fresh Milk 500ml", Code: "MILK-500", GSTApplicable: false, Prices: map[string]decimal.Decimal{"Retail": decimal.NewFromInt(28), "Wholesale": decimal.NewFromInt(26)}},
	{Name: "Whole Wheat Atta 10kg", Code: "ATTA-10KG", GSTApplicable: true, Prices: map[string]decimal.Decimal{"Retail": decimal.NewFromInt(480), "Wholesale": decimal.NewFromInt(445)}},
	{Name: "Eggs (dozen)", Code: "EGG-12", GSTApplicable: false, Prices: map[string]decimal.Decimal{"Retail": decimal.NewFromInt(84), "Wholesale": decimal.NewFromInt(78)}},
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create price books and load products",
		Example: `  billingctl seed
  billingctl seed --file products.json --redis-url redis://localhost:6379/0`,
		RunE: runSeed,
	}
	cmd.Flags().String("database-url", "", "Postgres URL (defaults to DATABASE_URL)")
	cmd.Flags().String("file", "", "JSON array of products; the built-in sample set is used when empty")
	cmd.Flags().String("redis-url", "", "Redis URL whose catalog cache is flushed (defaults to REDIS_URL)")
	cmd.Flags().String("cache-prefix", "billing:catalog", "catalog cache key prefix")
	return cmd
}

func runSeed(cmd *cobra.Command, _ []string) error {
	log := cmdLogger(cmd)
	url, err := databaseURL(cmd)
	if err != nil {
		return err
	}
	products := sampleProducts
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		if products, err = loadSeedFile(file); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	repo := catalog.PGRepository{DB: pool}
	for _, pb := range []billing.PriceBook{billing.PriceBookRetail, billing.PriceBookWholesale} {
		if _, err := repo.EnsurePriceBook(ctx, pb); err != nil {
			return err
		}
	}
	for _, p := range products {
		in, err := p.input()
		if err != nil {
			return err
		}
		id, err := repo.UpsertProduct(ctx, in)
		if err != nil {
			return err
		}
		log.Debug().Str("code", in.Code).Str("product_id", id).Msg("product_seeded")
	}
	log.Info().Int("products", len(products)).Msg("seed complete")

	redisURL, _ := cmd.Flags().GetString("redis-url")
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()
	prefix, _ := cmd.Flags().GetString("cache-prefix")
	flushed, err := catalog.NewCache(client, time.Minute, prefix).Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush catalog cache: %w", err)
	}
	log.Info().Int("keys", flushed).Msg("catalog cache flushed")
	return nil
}

func loadSeedFile(path string) ([]seedProduct, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []seedProduct
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

func (p seedProduct) input() (catalog.ProductInput, error) {
	prices := make(map[billing.PriceBook]decimal.Decimal, len(p.Prices))
	for name, price := range p.Prices {
		pb, err := billing.ParsePriceBook(name)
		if err != nil {
			return catalog.ProductInput{}, fmt.Errorf("product %s: %w", p.Code, err)
		}
		prices[pb] = price
	}
	return catalog.ProductInput{Name: p.Name, Code: p.Code, GSTApplicable: p.GSTApplicable, Prices: prices}, nil
}
