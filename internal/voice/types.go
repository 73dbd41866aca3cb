package voice

import "encoding/json"

// OutboundCall is the request body for placing a call through the provider's
// telephony integration.
type OutboundCall struct {
	AgentID            string          `json:"agent_id"`
	AgentPhoneNumberID string          `json:"agent_phone_number_id"`
	ToNumber           string          `json:"to_number"`
	InitiationData     *InitiationData `json:"conversation_initiation_client_data,omitempty"`
}

// InitiationData personalises the agent for one conversation.
type InitiationData struct {
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// OutboundCallResult is returned when the provider accepts a call.
type OutboundCallResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversation_id"`
	CallSID        string `json:"callSid,omitempty"`
}

// Provider conversation statuses.
const (
	ConversationInitiated  = "initiated"
	ConversationInProgress = "in-progress"
	ConversationProcessing = "processing"
	ConversationDone       = "done"
	ConversationFailed     = "failed"
)

// Conversation is the provider's authoritative record of a call.
type Conversation struct {
	ConversationID string               `json:"conversation_id"`
	AgentID        string               `json:"agent_id"`
	Status         string               `json:"status"`
	Transcript     []TranscriptTurn     `json:"transcript"`
	Metadata       ConversationMetadata `json:"metadata"`
	Analysis       *Analysis            `json:"analysis,omitempty"`
}

type TranscriptTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type ConversationMetadata struct {
	StartTimeUnixSecs int64 `json:"start_time_unix_secs,omitempty"`
	CallDurationSecs  int   `json:"call_duration_secs"`
}

type Analysis struct {
	EvaluationCriteriaResults map[string]CriterionResult      `json:"evaluation_criteria_results,omitempty"`
	DataCollectionResults     map[string]DataCollectionResult `json:"data_collection_results,omitempty"`
	CallSuccessful            string                          `json:"call_successful,omitempty"`
	TranscriptSummary         string                          `json:"transcript_summary,omitempty"`
}

type CriterionResult struct {
	CriteriaID string `json:"criteria_id"`
	Result     string `json:"result"`
	Rationale  string `json:"rationale"`
}

// DataCollectionResult holds one collected field. Value is kept raw because
// agents may collect strings, numbers, booleans or objects.
type DataCollectionResult struct {
	DataCollectionID string          `json:"data_collection_id"`
	Value            json.RawMessage `json:"value"`
	Rationale        string          `json:"rationale,omitempty"`
}
