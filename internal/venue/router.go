package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/swapflow/pkg/metrics"
)

// Quote is the output amount one venue offered.
type Quote struct {
	Venue  string
	Amount decimal.Decimal
}

// Router is an ordered registry of venues. Registration order is the tie-break:
// when two venues quote the same amount the one registered first wins.
type Router struct {
	mu     sync.RWMutex
	venues []Venue
	index  map[string]int
	logger *zap.Logger
}

// NewRouter creates a router with the given venues registered in order.
func NewRouter(logger *zap.Logger, venues ...Venue) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{index: make(map[string]int), logger: logger}
	for _, v := range venues {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewSimulatedRouter registers one SimulatedVenue per config entry.
func NewSimulatedRouter(logger *zap.Logger, configs []SimulatedConfig) (*Router, error) {
	venues := make([]Venue, 0, len(configs))
	for _, cfg := range configs {
		venues = append(venues, NewSimulatedVenue(cfg))
	}
	return NewRouter(logger, venues...)
}

// Register appends a venue. Names must be unique.
func (r *Router) Register(v Venue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := v.Name()
	if name == "" {
		return fmt.Errorf("venue: empty name")
	}
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("venue: %q already registered", name)
	}
	r.index[name] = len(r.venues)
	r.venues = append(r.venues, v)
	return nil
}

// Names returns venue names in registration order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.venues))
	for i, v := range r.venues {
		names[i] = v.Name()
	}
	return names
}

func (r *Router) lookup(name string) (Venue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return r.venues[i], nil
}

// Quote asks a single venue for a price.
func (r *Router) Quote(ctx context.Context, name string, amount decimal.Decimal) (decimal.Decimal, error) {
	v, err := r.lookup(name)
	if err != nil {
		return decimal.Zero, err
	}
	return r.quote(ctx, v, amount)
}

func (r *Router) quote(ctx context.Context, v Venue, amount decimal.Decimal) (decimal.Decimal, error) {
	start := time.Now()
	out, err := v.Quote(ctx, amount)
	metrics.VenueQuoteLatency.WithLabelValues(v.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", v.Name(), err)
	}
	return out, nil
}

// Execute performs the exchange on the named venue.
func (r *Router) Execute(ctx context.Context, name string, amount decimal.Decimal) (string, error) {
	v, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	settlementID, err := v.Execute(ctx, amount)
	if err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return settlementID, nil
}

// QuoteAll fetches quotes from every venue concurrently. Any failure fails the whole call.
// Results keep registration order.
func (r *Router) QuoteAll(ctx context.Context, amount decimal.Decimal) ([]Quote, error) {
	r.mu.RLock()
	venues := append([]Venue(nil), r.venues...)
	r.mu.RUnlock()
	if len(venues) == 0 {
		return nil, ErrNoVenues
	}

	quotes := make([]Quote, len(venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range venues {
		g.Go(func() error {
			out, err := r.quote(gctx, v, amount)
			if err != nil {
				return err
			}
			quotes[i] = Quote{Venue: v.Name(), Amount: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

// Best returns the venue with the strictly greatest quote.
func (r *Router) Best(ctx context.Context, amount decimal.Decimal) (Quote, error) {
	quotes, err := r.QuoteAll(ctx, amount)
	if err != nil {
		return Quote{}, err
	}
	best, err := SelectBest(quotes)
	if err != nil {
		return Quote{}, err
	}

	fields := make([]zap.Field, 0, len(quotes)+1)
	for _, q := range quotes {
		fields = append(fields, zap.String(q.Venue, q.Amount.StringFixed(4)))
	}
	fields = append(fields, zap.String("best", best.Venue))
	r.logger.Debug("Quotes collected", fields...)
	return best, nil
}

// SelectBest picks the strictly greatest amount; earlier entries win ties.
func SelectBest(quotes []Quote) (Quote, error) {
	if len(quotes) == 0 {
		return Quote{}, ErrNoVenues
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Amount.GreaterThan(best.Amount) {
			best = q
		}
	}
	return best, nil
}
