package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/telemetry"
)

// ProviderKind names one of the three provider slots.
type ProviderKind string

const (
	ProviderLocal   ProviderKind = "lm_studio"
	ProviderVision  ProviderKind = "openai"
	ProviderGeneral ProviderKind = "abacus"
)

// Select picks a provider from the lower-cased text. Render keywords win
// over analysis keywords; everything else goes to the general provider.
func Select(text string) ProviderKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "render") || strings.Contains(lower, "3d"):
		return ProviderLocal
	case strings.Contains(lower, "analyze") || strings.Contains(lower, "vision"):
		return ProviderVision
	default:
		return ProviderGeneral
	}
}

// ExtractActions scans a completion for trigger words. No trigger is a valid,
// empty result.
func ExtractActions(completion string) []models.Action {
	lower := strings.ToLower(completion)
	actions := []models.Action{}
	if strings.Contains(lower, "render") {
		actions = append(actions, models.NewRenderAction(models.DefaultRenderParams()))
	}
	if strings.Contains(lower, "analyze") {
		actions = append(actions, models.NewAnalyzeAction(models.AnalyzeParams{
			Content:      completion,
			AnalysisType: models.DefaultAnalysisType,
		}))
	}
	return actions
}

// RequestContext carries where a prompt came from.
type RequestContext struct {
	Command  string
	User     string
	Channel  string
	Platform string
}

// Result is the outcome of one routing call.
type Result struct {
	Provider   ProviderKind
	Model      string
	Completion string
	Actions    []models.Action
}

// Providers fills the three provider slots.
type Providers struct {
	Local   Provider
	Vision  Provider
	General Provider
}

// Router selects a provider, runs one completion and extracts actions.
type Router struct {
	providers map[ProviderKind]Provider
	logger    zerolog.Logger
}

// New requires every slot to be filled.
func New(p Providers, logger zerolog.Logger) (*Router, error) {
	if p.Local == nil || p.Vision == nil || p.General == nil {
		return nil, errors.New("router: local, vision and general providers are required")
	}
	return &Router{
		providers: map[ProviderKind]Provider{
			ProviderLocal:   p.Local,
			ProviderVision:  p.Vision,
			ProviderGeneral: p.General,
		},
		logger: logger.With().Str("component", "router").Logger(),
	}, nil
}

// Route makes exactly one provider call. Errors are returned as
// *ProviderError or *MalformedResponseError and are never retried here.
func (r *Router) Route(ctx context.Context, text string, rc RequestContext) (Result, error) {
	kind := Select(text)
	p := r.providers[kind]
	res := Result{Provider: kind, Model: p.Model()}

	start := time.Now()
	completion, err := p.Complete(ctx, text)
	telemetry.ProviderLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.ProviderRequests.WithLabelValues(string(kind), outcome(err)).Inc()
		r.logger.Error().Err(err).Str("provider", string(kind)).Str("user_id", rc.User).Str("channel_id", rc.Channel).Msg("provider call failed")
		return res, err
	}
	telemetry.ProviderRequests.WithLabelValues(string(kind), "ok").Inc()

	res.Completion = completion
	for _, a := range ExtractActions(completion) {
		if err := a.Validate(); err != nil {
			return res, &MalformedResponseError{Provider: p.Name(), Reason: fmt.Sprintf("invalid action: %v", err)}
		}
		res.Actions = append(res.Actions, a)
	}
	r.logger.Info().
		Str("provider", string(kind)).
		Str("model", res.Model).
		Str("command", rc.Command).
		Int("actions", len(res.Actions)).
		Dur("latency", time.Since(start)).
		Msg("routed request")
	return res, nil
}

func outcome(err error) string {
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return "malformed"
	}
	return "error"
}
