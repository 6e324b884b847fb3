package models

import "time"

// ToolRequest is an inbound tool invocation. user_id and tenant_id are
// resolved by the upstream authentication layer before the request
// reaches the gateway.
type ToolRequest struct {
	RequestID string                 `json:"request_id,omitempty"`
	UserID    string                 `json:"user_id"`
	TenantID  string                 `json:"tenant_id"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
	NLContext string                 `json:"nl_context,omitempty"`
}

// ToolResponse is returned to the caller for every request, allowed or not.
type ToolResponse struct {
	Success        bool                     `json:"success"`
	Result         []map[string]interface{} `json:"result,omitempty"`
	Error          string                   `json:"error,omitempty"`
	ErrorCode      string                   `json:"error_code,omitempty"`
	HealingApplied bool                     `json:"healing_applied"`
	HealingHistory []HealingAttempt         `json:"healing_history,omitempty"`
	Masked         bool                     `json:"masked"`
	Policy         PolicySummary            `json:"policy_decision_summary"`
	LatencyMS      int64                    `json:"latency_ms"`
}

// PolicySummary is the caller-visible slice of a policy decision.
type PolicySummary struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason,omitempty"`
	FailedPolicy string   `json:"failed_policy,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	Cached       bool     `json:"cached"`
}

// Candidate source for a healing attempt.
const (
	SourceLearned  = "learned"
	SourceOntology = "ontology"
)

// HealingAttempt records one candidate lookup + arbitration + retry cycle.
type HealingAttempt struct {
	FailedIdentifier string   `json:"failed_identifier"`
	Table            string   `json:"table"`
	Candidates       []string `json:"candidates"`
	Chosen           string   `json:"chosen,omitempty"`
	Source           string   `json:"source"`
	Outcome          string   `json:"outcome"`
	At               string   `json:"at"`
}

// ToolDescriptor is one entry of the narrowed tool surface offered to an agent.
type ToolDescriptor struct {
	Name       string `json:"name"`
	Concept    string `json:"concept"`
	Confidence string `json:"confidence"`
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
