package model

type TokenCounts struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type TokenStats struct {
	Overall TokenCounts            `json:"overall"`
	ByModel map[string]TokenCounts `json:"by_model"`
}

type ModelUsage struct {
	Calls int `json:"calls"`
	TokenCounts
}

type TimingStats struct {
	TotalLatencyMS   float64 `json:"total_latency_ms"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	MessageCount     int     `json:"message_count"`
}

type ToolUsage struct {
	TotalCalls int            `json:"total_calls"`
	Tools      map[string]int `json:"tools"`
}

func (t *Thread) TotalTokens() TokenStats {
	stats := TokenStats{ByModel: make(map[string]TokenCounts)}
	for _, m := range t.Messages {
		if m.Metrics == nil {
			continue
		}
		u := m.Metrics.Usage
		stats.Overall.add(u)
		if m.Metrics.Model != "" {
			c := stats.ByModel[m.Metrics.Model]
			c.add(u)
			stats.ByModel[m.Metrics.Model] = c
		}
	}
	return stats
}

// ModelUsage counts calls and tokens per model.
func (t *Thread) ModelUsage() map[string]ModelUsage {
	out := make(map[string]ModelUsage)
	for _, m := range t.Messages {
		if m.Metrics == nil || m.Metrics.Model == "" {
			continue
		}
		mu := out[m.Metrics.Model]
		mu.Calls++
		mu.add(m.Metrics.Usage)
		out[m.Metrics.Model] = mu
	}
	return out
}

func (t *Thread) TimingStats() TimingStats {
	var stats TimingStats
	for _, m := range t.Messages {
		if m.Metrics == nil || m.Metrics.Timing.LatencyMS <= 0 {
			continue
		}
		stats.TotalLatencyMS += m.Metrics.Timing.LatencyMS
		stats.MessageCount++
	}
	if stats.MessageCount > 0 {
		stats.AverageLatencyMS = stats.TotalLatencyMS / float64(stats.MessageCount)
	}
	return stats
}

// MessageCounts always carries all four roles.
func (t *Thread) MessageCounts() map[Role]int {
	counts := map[Role]int{RoleSystem: 0, RoleUser: 0, RoleAssistant: 0, RoleTool: 0}
	for _, m := range t.Messages {
		counts[m.Role]++
	}
	return counts
}

func (t *Thread) ToolUsage() ToolUsage {
	usage := ToolUsage{Tools: make(map[string]int)}
	for _, m := range t.Messages {
		for _, call := range m.ToolCalls {
			usage.TotalCalls++
			usage.Tools[call.Function.Name]++
		}
	}
	return usage
}

func (c *TokenCounts) add(u Usage) {
	c.PromptTokens += u.PromptTokens
	c.CompletionTokens += u.CompletionTokens
	c.TotalTokens += u.TotalTokens
}
