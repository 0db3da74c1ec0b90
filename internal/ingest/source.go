package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

var (
	// ErrSourceUnavailable covers transient failures: network errors, auth
	// rejections, throttling and 5xx responses. Callers retry these.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceFormat means the source answered but the payload could not be
	// understood. Retrying will not help.
	ErrSourceFormat = errors.New("source format error")
)

// RawListing is one listing as a source delivered it, before normalization.
// Amounts and dates are kept as the source wrote them.
type RawListing struct {
	Source       string
	ExternalID   string
	Title        string
	Description  string // may contain HTML
	Agency       string
	URL          string
	AwardMin     string
	AwardMax     string
	AwardText    string // free-form range such as "Up to $50,000"
	OpenDate     string
	CloseDate    string
	Deadline     string
	Eligibility  []string
	Requirements []string
	Tags         []string
	FundingType  string
	Status       string // source status ("posted", "closed", "OPEN", ...)
}

// Adapter fetches raw listings from one external source. Implementations hold
// only immutable configuration and a concurrency-safe client, so Fetch may be
// called concurrently.
type Adapter interface {
	Fetch(ctx context.Context) ([]RawListing, error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context) ([]RawListing, error)

func (f AdapterFunc) Fetch(ctx context.Context) ([]RawListing, error) { return f(ctx) }

// Constructor builds an adapter for one configured source.
type Constructor func(cfg SourceConfig, client *Client, logger *zap.Logger) (Adapter, error)

// Factory maps strategy ids (from sources.yaml) to adapter constructors.
type Factory struct {
	constructors map[string]Constructor
	logger       *zap.Logger
	clientOpts   ClientOptions
}

// NewFactory returns an empty factory.
func NewFactory(logger *zap.Logger, opts ClientOptions) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		constructors: make(map[string]Constructor),
		logger:       logger,
		clientOpts:   opts,
	}
}

// NewDefaultFactory returns a factory with every built-in strategy registered.
func NewDefaultFactory(logger *zap.Logger, opts ClientOptions) *Factory {
	f := NewFactory(logger, opts)
	f.Register(StrategyGrantsGov, NewGrantsGovAdapter)
	f.Register(StrategyEUFundingTenders, NewEUAdapter)
	f.Register(StrategyWordPress, NewWordPressAdapter)
	f.Register(StrategyHTMLGeneric, NewScraperAdapter)
	return f
}

func (f *Factory) Register(strategy string, c Constructor) {
	f.constructors[strategy] = c
}

// Strategies lists the registered strategy ids, sorted.
func (f *Factory) Strategies() []string {
	out := make([]string, 0, len(f.constructors))
	for id := range f.constructors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build creates the adapter for cfg, with its own rate-limited client.
func (f *Factory) Build(cfg SourceConfig) (Adapter, error) {
	c, ok := f.constructors[cfg.Strategy]
	if !ok {
		return nil, fmt.Errorf("strategy not found: %s", cfg.Strategy)
	}
	client := NewClient(cfg.Fetch, cfg.RateLimitPerHour, f.clientOpts)
	return c(cfg, client, f.logger.Named(cfg.ID))
}
