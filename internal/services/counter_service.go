package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hanko-field/storefront/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the requested counter cannot increment further due to max bounds.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

const (
	orderNumberCounterScope = "orders"
	orderNumberMaxSequence  = 999999
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
	// OrderNumberPrefix defaults to "SF".
	OrderNumberPrefix string
}

type counterService struct {
	repo        repositories.CounterRepository
	clock       func() time.Time
	orderPrefix string
}

// NewCounterService constructs a service that manages counter sequences on top of the repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	prefix := strings.TrimSpace(deps.OrderNumberPrefix)
	if prefix == "" {
		prefix = "SF"
	}

	return &counterService{
		repo: deps.Repository,
		clock: func() time.Time {
			return clock().UTC()
		},
		orderPrefix: prefix,
	}, nil
}

func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope = strings.TrimSpace(scope)
	name = strings.TrimSpace(name)
	if scope == "" {
		return CounterValue{}, fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	}
	if name == "" {
		return CounterValue{}, fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}
	if opts.MaxValue < 0 || opts.PadLength < 0 {
		return CounterValue{}, fmt.Errorf("%w: bounds must not be negative", ErrCounterInvalidInput)
	}

	value, err := s.repo.Next(ctx, scope+":"+name, opts.MaxValue)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			switch counterErr.Code {
			case repositories.CounterErrorInvalidInput:
				return CounterValue{}, fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
			case repositories.CounterErrorExhausted:
				return CounterValue{}, fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
			}
		}
		return CounterValue{}, err
	}

	return CounterValue{Value: value, Formatted: formatCounterValue(value, opts)}, nil
}

// NextOrderNumber issues "<prefix>-YYYY-NNNNNN". The sequence restarts every calendar year.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := fmt.Sprintf("%04d", s.clock().Year())
	opts := CounterGenerationOptions{
		MaxValue:  orderNumberMaxSequence,
		Prefix:    s.orderPrefix + "-" + year + "-",
		PadLength: 6,
	}
	result, err := s.Next(ctx, orderNumberCounterScope, year, opts)
	if err != nil {
		return "", err
	}
	return result.Formatted, nil
}

func formatCounterValue(value int64, opts CounterGenerationOptions) string {
	formatted := strconv.FormatInt(value, 10)
	if opts.PadLength > 0 {
		formatted = fmt.Sprintf("%0*d", opts.PadLength, value)
	}
	return opts.Prefix + formatted
}
