package llm

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lmm-analyzer/internal/resilience"
	"github.com/sells-group/lmm-analyzer/pkg/anthropic"
)

// Supported providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

// Options selects and configures a provider.
type Options struct {
	Provider        string
	APIKey          string
	Model           string
	BaseURL         string
	SiteURL         string
	SiteName        string
	MaxOutputTokens int64

	RequestsPerMinute int           // 0 = unlimited
	BreakerThreshold  int           // consecutive failures; 0 disables the breaker
	BreakerReset      time.Duration // open-state cooldown
}

// New builds a Caller for the configured provider, wrapped with the
// circuit breaker and rate limiter when enabled.
func New(opts Options) (Caller, error) {
	var c Caller
	switch opts.Provider {
	case ProviderOpenRouter, "":
		c = NewOpenRouter(OpenRouterOptions{
			APIKey:    opts.APIKey,
			BaseURL:   opts.BaseURL,
			Model:     opts.Model,
			SiteURL:   opts.SiteURL,
			SiteName:  opts.SiteName,
			MaxTokens: opts.MaxOutputTokens,
		})
	case ProviderAnthropic:
		var clientOpts []anthropic.Option
		if opts.BaseURL != "" {
			clientOpts = append(clientOpts, anthropic.WithBaseURL(opts.BaseURL))
		}
		c = NewAnthropic(anthropic.NewClient(opts.APIKey, clientOpts...), opts.Model, opts.MaxOutputTokens)
	default:
		return nil, eris.Errorf("llm: unknown provider %q", opts.Provider)
	}

	if opts.BreakerThreshold > 0 {
		c = WithCircuitBreaker(c, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             opts.Provider,
			FailureThreshold: opts.BreakerThreshold,
			ResetTimeout:     opts.BreakerReset,
			ShouldTrip:       ProviderFailure,
		}))
	}
	return RateLimited(c, opts.RequestsPerMinute), nil
}
