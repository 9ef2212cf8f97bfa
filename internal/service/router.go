package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
	"github.com/pilotcrew/agentpilot/internal/port/cache"
	"github.com/pilotcrew/agentpilot/internal/port/model"
)

// RouterService classifies a query to the agent type that should handle it.
// Routing never errors: every failure path degrades to the configured
// fallback agent with zero confidence.
type RouterService struct {
	model model.Model
	cache cache.Cache
	cfg   config.Router
}

// NewRouterService creates a RouterService. The model may be nil when
// model fallback is disabled.
func NewRouterService(m model.Model, c cache.Cache, cfg config.Router) *RouterService {
	return &RouterService{model: m, cache: c, cfg: cfg}
}

// trigger pairs a phrase with the agent it selects. Order matters: the
// first match wins.
type trigger struct {
	phrase string
	agent  routing.AgentType
}

var triggers = []trigger{
	{"research", routing.AgentResearch},
	{"find sources", routing.AgentResearch},
	{"literature", routing.AgentResearch},
	{"compare and contrast", routing.AgentResearch},
	{"survey", routing.AgentResearch},
	{"state of the art", routing.AgentResearch},
	{"what is", routing.AgentResearch},
	{"who is", routing.AgentResearch},
	{"explain", routing.AgentResearch},
	{"write", routing.AgentTask},
	{"create", routing.AgentTask},
	{"build", routing.AgentTask},
	{"generate", routing.AgentTask},
	{"fix", routing.AgentTask},
	{"run", routing.AgentTask},
	{"deploy", routing.AgentTask},
	{"send", routing.AgentTask},
}

// Route picks the agent for a query, optionally consulting the last few
// user turns of history for context.
func (s *RouterService) Route(ctx context.Context, query string, history []agentstate.Message) routing.Result {
	normalized := strings.ToLower(strings.TrimSpace(query))
	cacheKey := "route:" + normalized

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
			var cached routing.Result
			if json.Unmarshal(data, &cached) == nil && cached.Agent.Valid() {
				return cached
			}
		}
	}

	result := s.classify(ctx, normalized, history)

	if s.cache != nil {
		if data, err := json.Marshal(result); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, 0)
		}
	}
	return result
}

func (s *RouterService) classify(ctx context.Context, normalized string, history []agentstate.Message) routing.Result {
	// Trigger phrases over the query itself first, then over recent user
	// turns, oldest last so the query always wins.
	if res, ok := matchTriggers(normalized); ok {
		return res
	}

	turns := s.cfg.HistoryTurns
	for i := len(history) - 1; i >= 0 && turns > 0; i-- {
		if history[i].Role != agentstate.RoleUser {
			continue
		}
		turns--
		if res, ok := matchTriggers(strings.ToLower(history[i].Content)); ok {
			res.Confidence = 0.6
			res.Rationale = "trigger phrase in recent history"
			return res
		}
	}

	if s.cfg.ModelFallback && s.model != nil {
		if res, ok := s.modelClassify(ctx, normalized); ok {
			return res
		}
	}

	return routing.Result{
		Agent:      routing.AgentType(s.cfg.FallbackAgent),
		Confidence: 0,
		Rationale:  "no trigger matched; fallback agent",
	}
}

func matchTriggers(text string) (routing.Result, bool) {
	for _, t := range triggers {
		if strings.Contains(text, t.phrase) {
			return routing.Result{
				Agent:      t.agent,
				Confidence: 0.9,
				Rationale:  "trigger phrase: " + t.phrase,
			}, true
		}
	}
	return routing.Result{}, false
}

const routingPrompt = `Classify the user query below to the agent that should handle it.
Agents: "task" (act, build, change things via tools) or "research" (gather and synthesize information).
Reply with JSON only: {"selected_agent_type":"task|research","confidence":0.0,"rationale":"..."}

Query: `

// modelClassify makes at most one model call for an ambiguous query.
func (s *RouterService) modelClassify(ctx context.Context, normalized string) (routing.Result, bool) {
	resp, err := s.model.Complete(ctx, model.Request{
		Messages: []agentstate.Message{{Role: agentstate.RoleUser, Content: routingPrompt + normalized}},
	})
	if err != nil {
		slog.Warn("routing model call failed, using fallback agent", "error", err)
		return routing.Result{}, false
	}

	var res routing.Result
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &res); err != nil || !res.Agent.Valid() {
		slog.Warn("routing model reply unparseable, using fallback agent", "reply", resp.Text)
		return routing.Result{}, false
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res, true
}

// extractJSON pulls the first JSON object out of a model reply that may
// wrap it in prose or code fences.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
