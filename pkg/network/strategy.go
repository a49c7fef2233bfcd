// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package network

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// AgentInfo is the strategy-visible view of a pool agent.
type AgentInfo struct {
	Name        string
	Role        string
	Specialties string
	Description string

	// Calls / Successes / TotalLatencyMs are the agent's performance
	// counters at selection time.
	Calls          int
	Successes      int
	TotalLatencyMs int64
}

// SuccessRate is the fraction of successful calls. Agents with no calls
// are treated optimistically (rate 1) so cold starts are not penalized by
// score multipliers.
func (a AgentInfo) SuccessRate() float64 {
	if a.Calls == 0 {
		return 1
	}
	return float64(a.Successes) / float64(a.Calls)
}

// AvgLatencyMs is the mean call latency.
func (a AgentInfo) AvgLatencyMs() float64 {
	if a.Calls == 0 {
		return 0
	}
	return float64(a.TotalLatencyMs) / float64(a.Calls)
}

// RoutingStrategy picks a worker agent for an input.
type RoutingStrategy interface {
	// Name identifies the strategy.
	Name() api.RoutingStrategyName

	// Select returns the chosen agent's pool name. agents preserves
	// declaration order.
	Select(ctx context.Context, input string, agents []AgentInfo, state map[string]any, history []Trace) (string, error)
}

// CustomHandler is the user hook behind the CUSTOM strategy.
type CustomHandler func(ctx context.Context, input string, agents []AgentInfo, state map[string]any, history []Trace) (string, error)

// NewStrategy builds the named strategy. DEFAULT routes round-robin when
// invoked through routeTo; the router agent itself routes freely via its
// agent tools. custom may be nil except for CUSTOM.
func NewStrategy(name api.RoutingStrategyName, custom CustomHandler) (RoutingStrategy, error) {
	switch name {
	case api.RoutingDefault, "":
		return &roundRobin{name: api.RoutingDefault}, nil
	case api.RoutingRoundRobin:
		return &roundRobin{name: api.RoutingRoundRobin}, nil
	case api.RoutingHistoryBased:
		return &historyBased{}, nil
	case api.RoutingSemantic:
		return &semanticMatching{}, nil
	case api.RoutingCustom:
		if custom == nil {
			return nil, &errors.ValidationError{
				Field:   "spec.router.strategy",
				Message: "CUSTOM strategy requires a registered handler",
			}
		}
		return &customStrategy{handler: custom}, nil
	default:
		return nil, &errors.ValidationError{
			Field:   "spec.router.strategy",
			Message: fmt.Sprintf("unknown routing strategy %q", name),
		}
	}
}

// roundRobin cycles through agents in declaration order.
type roundRobin struct {
	name   api.RoutingStrategyName
	cursor int
}

func (s *roundRobin) Name() api.RoutingStrategyName { return s.name }

func (s *roundRobin) Select(ctx context.Context, input string, agents []AgentInfo, state map[string]any, history []Trace) (string, error) {
	if len(agents) == 0 {
		return "", &errors.NotFoundError{Resource: "agent", ID: "network pool is empty"}
	}
	chosen := agents[s.cursor%len(agents)]
	s.cursor++
	return chosen.Name, nil
}

// historyBased scores agents on past performance:
// 0.7·successRate + 0.3·(1000/avgLatencyMs). Agents with no prior calls
// are ineligible unless every agent is cold. Ties break by declaration
// order.
type historyBased struct{}

func (s *historyBased) Name() api.RoutingStrategyName { return api.RoutingHistoryBased }

func (s *historyBased) Select(ctx context.Context, input string, agents []AgentInfo, state map[string]any, history []Trace) (string, error) {
	if len(agents) == 0 {
		return "", &errors.NotFoundError{Resource: "agent", ID: "network pool is empty"}
	}

	anyWarm := false
	for _, a := range agents {
		if a.Calls > 0 {
			anyWarm = true
			break
		}
	}
	if !anyWarm {
		return agents[0].Name, nil
	}

	best := -1
	bestScore := 0.0
	for i, a := range agents {
		if a.Calls == 0 {
			continue
		}
		score := 0.7 * a.SuccessRate()
		if avg := a.AvgLatencyMs(); avg > 0 {
			score += 0.3 * (1000 / avg)
		} else {
			score += 0.3 * 1000
		}
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	return agents[best].Name, nil
}

// semanticMatching tokenizes the input against each agent's specialty text
// and scores overlaps, with hand-coded role boosts for common domains,
// scaled by past success rate.
type semanticMatching struct{}

func (s *semanticMatching) Name() api.RoutingStrategyName { return api.RoutingSemantic }

// roleBoosts maps input keywords to role keywords that receive a boost.
var roleBoosts = []struct {
	inputTerms []string
	roleTerms  []string
}{
	{
		inputTerms: []string{"账单", "收费", "费用", "退款", "发票", "billing", "invoice", "charge", "refund"},
		roleTerms:  []string{"财务", "financial", "finance", "billing"},
	},
	{
		inputTerms: []string{"客户", "服务", "投诉", "help", "support", "complaint"},
		roleTerms:  []string{"客服", "customer", "support"},
	},
	{
		inputTerms: []string{"报错", "故障", "崩溃", "error", "bug", "crash", "technical"},
		roleTerms:  []string{"技术", "technical", "engineer"},
	},
}

func (s *semanticMatching) Select(ctx context.Context, input string, agents []AgentInfo, state map[string]any, history []Trace) (string, error) {
	if len(agents) == 0 {
		return "", &errors.NotFoundError{Resource: "agent", ID: "network pool is empty"}
	}

	inputTokens := tokenize(input)

	best := 0
	bestScore := -1.0
	for i, a := range agents {
		text := a.Specialties
		if text == "" {
			text = a.Description
		}
		if text == "" {
			text = "generic agent " + a.Name
		}

		score := 0.0
		agentTokens := tokenize(text)
		for _, it := range inputTokens {
			for _, at := range agentTokens {
				switch {
				case it == at:
					score += 2
				case strings.Contains(it, at) || strings.Contains(at, it):
					score++
				}
			}
		}

		roleAndText := strings.ToLower(a.Role + " " + text)
		for _, boost := range roleBoosts {
			if !containsAny(input, boost.inputTerms) {
				continue
			}
			if containsAny(roleAndText, boost.roleTerms) {
				score += 3
			}
		}

		score *= 0.5 + 0.5*a.SuccessRate()

		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return agents[best].Name, nil
}

// tokenize splits on whitespace and common Latin/CJK punctuation and
// discards short tokens (≤ 2 runes in any script, so two-character CJK
// words are dropped as well; longer unpunctuated CJK runs survive whole).
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if unicode.IsSpace(r) {
			return true
		}
		switch r {
		case ',', '.', '?', '!', ';', ':', '(', ')', '"', '\'',
			'，', '。', '？', '！', '；', '：', '、', '（', '）':
			return true
		}
		return false
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) <= 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func containsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// customStrategy defers to a user-provided handler.
type customStrategy struct {
	handler CustomHandler
}

func (s *customStrategy) Name() api.RoutingStrategyName { return api.RoutingCustom }

func (s *customStrategy) Select(ctx context.Context, input string, agents []AgentInfo, state map[string]any, history []Trace) (string, error) {
	return s.handler(ctx, input, agents, state, history)
}
