package agent

import (
	"sort"
	"sync"

	"github.com/docbridge-ai/agent/internal/llm"
)

// UsageBySource reports token usage for one source (the main agent or one
// sub-agent tool).
type UsageBySource struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

func usageBySource(u llm.Usage) UsageBySource {
	return UsageBySource{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		TotalTokens:         u.InputTokens + u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
	}
}

// SubAgentUsage is the sub-agent rollup with per-tool detail.
type SubAgentUsage struct {
	UsageBySource
	ByTool map[string]UsageBySource `json:"by_tool"`
}

// Breakdown is the full token accounting for one run, carried by the done
// event.
type Breakdown struct {
	Total     UsageBySource `json:"total"`
	MainAgent UsageBySource `json:"main_agent"`
	SubAgents SubAgentUsage `json:"sub_agents"`
}

// Ledger accumulates token usage for the main agent and each sub-agent
// tool. Safe for concurrent use — sub-agents report from parallel tool
// dispatch goroutines.
type Ledger struct {
	mu   sync.Mutex
	main llm.Usage
	sub  map[string]llm.Usage
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{sub: make(map[string]llm.Usage)}
}

// AddMain records a main-agent model call.
func (l *Ledger) AddMain(u llm.Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.main.Add(u)
}

// AddSubAgent records a sub-agent model call attributed to its parent
// tool.
func (l *Ledger) AddSubAgent(toolName string, u llm.Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing := l.sub[toolName]
	existing.Add(u)
	l.sub[toolName] = existing
}

// Totals returns the combined usage of the main agent and all sub-agents.
func (l *Ledger) Totals() llm.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.main
	for _, u := range l.sub {
		total.Add(u)
	}
	return total
}

// Breakdown builds the reporting structure for the done event.
func (l *Ledger) Breakdown() *Breakdown {
	l.mu.Lock()
	defer l.mu.Unlock()

	var subTotal llm.Usage
	byTool := make(map[string]UsageBySource, len(l.sub))

	names := make([]string, 0, len(l.sub))
	for name := range l.sub {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u := l.sub[name]
		subTotal.Add(u)
		byTool[name] = usageBySource(u)
	}

	total := l.main
	total.Add(subTotal)

	return &Breakdown{
		Total:     usageBySource(total),
		MainAgent: usageBySource(l.main),
		SubAgents: SubAgentUsage{
			UsageBySource: usageBySource(subTotal),
			ByTool:        byTool,
		},
	}
}
