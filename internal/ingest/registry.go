package ingest

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

const (
	StrategyGrantsGov        = "api_grants_gov"
	StrategyEUFundingTenders = "api_eu_ft"
	StrategyWordPress        = "wordpress_rest"
	StrategyHTMLGeneric      = "html_generic"
)

// Kinds of adapters.
const (
	KindAPI     = "api"
	KindScraper = "scraper"
)

// PriorityHigh marks sources polled by the quick update.
const PriorityHigh = "high"

// Registry holds the configuration for all data sources, in processing order.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig defines HTTP fetching configuration for a source.
type FetchConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"` // Default: 30
	ProxyURL       string `yaml:"proxy_url,omitempty"`
	AcceptLanguage string `yaml:"accept_language,omitempty"`
	PageSize       int    `yaml:"page_size,omitempty"`
	MaxPages       int    `yaml:"max_pages,omitempty"`
	// RetryNotFound keeps retrying 404 and 410 responses, for endpoints that
	// disappear briefly while a source republishes.
	RetryNotFound bool `yaml:"retry_not_found,omitempty"`
	// MaxAttachments caps PDF downloads per scrape. Default: 10
	MaxAttachments int `yaml:"max_attachments,omitempty"`
}

// SourceConfig defines a single data source.
type SourceConfig struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Kind             string `yaml:"kind"`     // "api" or "scraper"
	Strategy         string `yaml:"strategy"` // one of the Strategy* ids
	BaseURL          string `yaml:"base_url"`
	DetailURL        string `yaml:"detail_url,omitempty"`
	APIKey           string `yaml:"api_key,omitempty"`
	Enabled          bool   `yaml:"enabled"`
	Priority         string `yaml:"priority,omitempty"` // "high" joins the quick update
	RateLimitPerHour int    `yaml:"rate_limit_per_hour,omitempty"`
	Agency           string `yaml:"agency,omitempty"`
	FundingType      string `yaml:"funding_type,omitempty"`
	Query            string `yaml:"query,omitempty"`
	Description      string `yaml:"description,omitempty"`

	Fetch FetchConfig `yaml:"fetch,omitempty"`

	// For the generic HTML strategy
	Selectors  SelectorConfig   `yaml:"selectors,omitempty"`
	Pagination PaginationConfig `yaml:"pagination,omitempty"`
}

type PaginationConfig struct {
	Next string `yaml:"next,omitempty"` // CSS selector for the next page link
}

type SelectorConfig struct {
	Container   string `yaml:"container,omitempty"` // CSS selector for the list item wrapper
	Link        string `yaml:"link,omitempty"`
	LinkAttr    string `yaml:"link_attr,omitempty"` // default: href
	Title       string `yaml:"title,omitempty"`
	Date        string `yaml:"date,omitempty"`
	Content     string `yaml:"content,omitempty"`
	Amount      string `yaml:"amount,omitempty"`
	Eligibility string `yaml:"eligibility,omitempty"`
	Tags        string `yaml:"tags,omitempty"`
	// Attachment selects a PDF link read for a deadline when Date finds none.
	Attachment string `yaml:"attachment,omitempty"`
}

// HighPriority reports whether the source joins the quick update.
func (c SourceConfig) HighPriority() bool {
	return strings.EqualFold(c.Priority, PriorityHigh)
}

// LoadRegistry reads sources from path, or from the embedded sources.yaml when
// path is empty. ${VAR} references are expanded from the environment.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

// ParseRegistry parses registry YAML and validates every entry.
func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parsing sources: %w", err)
	}

	seen := make(map[string]bool, len(reg.Sources))
	for i := range reg.Sources {
		src := &reg.Sources[i]
		if src.ID == "" {
			return nil, fmt.Errorf("source #%d: id is required", i+1)
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("source %s: duplicate id", src.ID)
		}
		seen[src.ID] = true
		if src.Name == "" {
			src.Name = src.ID
		}
		if src.Kind == "" {
			src.Kind = KindAPI
			if src.Strategy == StrategyHTMLGeneric {
				src.Kind = KindScraper
			}
		}
		if src.Kind != KindAPI && src.Kind != KindScraper {
			return nil, fmt.Errorf("source %s: unknown kind %q", src.ID, src.Kind)
		}
		if src.BaseURL == "" {
			return nil, fmt.Errorf("source %s: base_url is required", src.ID)
		}
		if src.RateLimitPerHour < 0 {
			return nil, fmt.Errorf("source %s: rate_limit_per_hour must be >= 0", src.ID)
		}
	}
	return &reg, nil
}

// Enabled returns the enabled sources in configured order.
func (r *Registry) Enabled() []SourceConfig {
	var out []SourceConfig
	for _, s := range r.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
