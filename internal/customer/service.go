package customer

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// Service implements the customer lookups of the billing screen.
type Service struct {
	repo     Repository
	minChars int
	limit    int
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Repository Repository
	MinChars   int
	Limit      int
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("customer: repository is required")
	}
	minChars := cfg.MinChars
	if minChars < 1 {
		minChars = 2
	}
	limit := cfg.Limit
	if limit < 1 {
		limit = 10
	}
	return &Service{repo: cfg.Repository, minChars: minChars, limit: limit}, nil
}

// SearchByName returns accounts whose name contains name. Input shorter than
// the minimum length returns an empty list without querying.
func (s *Service) SearchByName(ctx context.Context, name string) ([]Account, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < s.minChars {
		return []Account{}, nil
	}
	return s.repo.SearchByName(ctx, name, s.limit)
}

// FindExisting returns the id of an account matching email or phone, or nil
// when neither is given or nothing matches.
func (s *Service) FindExisting(ctx context.Context, email, phone string) (*string, error) {
	email = strings.TrimSpace(email)
	phone = NormalizePhone(phone)
	if email == "" && phone == "" {
		return nil, nil
	}
	id, ok, err := s.repo.FindByContact(ctx, email, phone)
	if err != nil || !ok {
		return nil, err
	}
	return &id, nil
}

// NormalizePhone strips spaces and dashes so "98000 00000" and "98000-00000"
// resolve to the same account.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}
