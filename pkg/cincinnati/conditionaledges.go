package cincinnati

import "fmt"

// Matching rule types understood by clients. Rules of any other type are
// skipped during evaluation, never treated as errors.
const (
	MatchingRuleAlways = "Always"
	MatchingRulePromQL = "PromQL"
)

// ConditionalEdge describes a set of transitions whose applicability depends
// on evaluating one or more risks against the requesting cluster.
type ConditionalEdge struct {
	Edges []ConditionalUpdateEdge `json:"edges"`
	Risks []ConditionalUpdateRisk `json:"risks"`
}

// ConditionalUpdateEdge is a single from/to transition, expressed by version
// rather than node index so it survives node reordering.
type ConditionalUpdateEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConditionalUpdateRisk names one reason an edge may not be recommended,
// together with the ordered rules used to decide whether it applies.
type ConditionalUpdateRisk struct {
	URL     string `json:"url,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	// MatchingRules are consulted in order; the first rule that evaluates
	// successfully wins. List position resolves precedence ties.
	MatchingRules []MatchingRule `json:"matchingRules"`
}

// MatchingRule is a single cluster-condition rule.
type MatchingRule struct {
	Type   string       `json:"type"`
	PromQL *PromQLQuery `json:"promql,omitempty"`
}

// PromQLQuery wraps the query string used by PromQL matching rules.
type PromQLQuery struct {
	PromQL string `json:"promql"`
}

// Validate checks the structural invariants of a conditional edge.
func (c *ConditionalEdge) Validate() error {
	if len(c.Edges) == 0 {
		return fmt.Errorf("conditional edge has no edges")
	}
	if len(c.Risks) == 0 {
		return fmt.Errorf("conditional edge has no risks")
	}
	for _, e := range c.Edges {
		if e.From == "" || e.To == "" {
			return fmt.Errorf("conditional edge with empty from/to version")
		}
	}
	for _, r := range c.Risks {
		if len(r.MatchingRules) == 0 {
			return fmt.Errorf("risk %q has no matching rules", r.Name)
		}
		for _, rule := range r.MatchingRules {
			if rule.Type == MatchingRulePromQL && (rule.PromQL == nil || rule.PromQL.PromQL == "") {
				return fmt.Errorf("risk %q has a PromQL rule without a query", r.Name)
			}
		}
	}
	return nil
}

func (c *ConditionalEdge) copy() ConditionalEdge {
	out := ConditionalEdge{
		Edges: make([]ConditionalUpdateEdge, len(c.Edges)),
		Risks: make([]ConditionalUpdateRisk, len(c.Risks)),
	}
	copy(out.Edges, c.Edges)
	for i, r := range c.Risks {
		rules := make([]MatchingRule, len(r.MatchingRules))
		copy(rules, r.MatchingRules)
		r.MatchingRules = rules
		out.Risks[i] = r
	}
	return out
}
