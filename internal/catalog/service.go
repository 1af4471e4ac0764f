package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-billing/internal/billing"
)

// ErrNotFound is returned when a product is unknown or not priced in the
// requested price book.
var ErrNotFound = errors.New("catalog: product not found")

// Service answers product searches for the billing screen, caching results
// in Redis.
type Service struct {
	repo   Repository
	cache  *Cache
	limit  int
	logger zerolog.Logger
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Repository Repository
	Cache      *Cache
	Limit      int
	Logger     *zerolog.Logger
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("catalog: repository is required")
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 20
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "catalog").Logger()
	}
	return &Service{repo: cfg.Repository, cache: cfg.Cache, limit: limit, logger: logger}, nil
}

// Search returns products whose code or name matches term, exact code
// matches first. A blank term yields an empty result without a query.
func (s *Service) Search(ctx context.Context, term string, priceBook billing.PriceBook) ([]billing.ProductRef, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []billing.ProductRef{}, nil
	}
	pb, err := billing.ParsePriceBook(string(priceBook))
	if err != nil {
		return nil, err
	}

	key := s.cache.key("search", string(pb), strconv.Itoa(s.limit), strings.ToLower(term))
	var cached []billing.ProductRef
	if ok, err := s.cache.GetJSON(ctx, key, &cached); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog_cache_read_failed")
	} else if ok {
		return cached, nil
	}

	found, err := s.repo.Search(ctx, term, pb, s.limit)
	if err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}
	found = exactCodeFirst(found, term)
	if err := s.cache.SetJSON(ctx, key, found); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog_cache_write_failed")
	}
	return found, nil
}

// Get returns a single product priced in priceBook.
func (s *Service) Get(ctx context.Context, productID string, priceBook billing.PriceBook) (billing.ProductRef, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return billing.ProductRef{}, ErrNotFound
	}
	pb, err := billing.ParsePriceBook(string(priceBook))
	if err != nil {
		return billing.ProductRef{}, err
	}
	key := s.cache.key("product", string(pb), productID)
	var cached billing.ProductRef
	if ok, err := s.cache.GetJSON(ctx, key, &cached); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog_cache_read_failed")
	} else if ok {
		return cached, nil
	}
	ref, err := s.repo.Get(ctx, productID, pb)
	if err != nil {
		return billing.ProductRef{}, err
	}
	if err := s.cache.SetJSON(ctx, key, ref); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog_cache_write_failed")
	}
	return ref, nil
}

// exactCodeFirst stably moves products whose code equals term to the front.
func exactCodeFirst(items []billing.ProductRef, term string) []billing.ProductRef {
	if items == nil {
		return []billing.ProductRef{}
	}
	sort.SliceStable(items, func(i, j int) bool {
		ei := strings.EqualFold(items[i].Code, term)
		ej := strings.EqualFold(items[j].Code, term)
		return ei && !ej
	})
	return items
}
