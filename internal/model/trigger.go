package model

import "github.com/google/uuid"

// TriggerSource identifies how a run was requested.
type TriggerSource string

const (
	TriggerSourceInteractive TriggerSource = "interactive"
	TriggerSourceAPIKey      TriggerSource = "api-key"
	TriggerSourceChatWebhook TriggerSource = "chat-webhook"
)

// DefaultMode is the planner hint used when a trigger does not name one.
const DefaultMode = "fast"

// TriggerRequest is the canonical form of every inbound run request.
type TriggerRequest struct {
	Source          TriggerSource     `json:"source"`
	TenantID        string            `json:"tenant_id"`
	TaskDescription string            `json:"task_description"`
	AccountID       string            `json:"account_id,omitempty"`
	AccountName     string            `json:"account_name,omitempty"`
	SelectedSkill   string            `json:"selected_skill,omitempty"`
	Mode            string            `json:"mode"`
	ThreadID        string            `json:"thread_id,omitempty"`
	TriggerMeta     map[string]string `json:"trigger_meta,omitempty"`
}

// Clone returns a copy of t with its own TriggerMeta map.
func (t TriggerRequest) Clone() TriggerRequest {
	out := t
	if t.TriggerMeta != nil {
		out.TriggerMeta = make(map[string]string, len(t.TriggerMeta))
		for k, v := range t.TriggerMeta {
			out.TriggerMeta[k] = v
		}
	}
	return out
}

// AuthMethod records which credential authenticated a principal.
type AuthMethod string

const (
	AuthMethodSession AuthMethod = "session"
	AuthMethodAPIKey  AuthMethod = "api_key"
)

// Principal is an authenticated caller of the trigger API.
// TenantID is empty for the process-wide API key.
type Principal struct {
	Subject  string     `json:"subject"`
	TenantID string     `json:"tenant_id,omitempty"`
	Method   AuthMethod `json:"method"`
	APIKeyID *uuid.UUID `json:"api_key_id,omitempty"`
}

// CloudAccount is a target account the capability surface can inspect
// through a cross-account role.
type CloudAccount struct {
	TenantID    string   `json:"tenant_id"`
	AccountID   string   `json:"account_id"`
	AccountName string   `json:"account_name"`
	RoleARN     string   `json:"role_arn"`
	ExternalID  string   `json:"external_id,omitempty"`
	Regions     []string `json:"regions"`
}
