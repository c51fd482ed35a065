// Package trigger converts authenticated inbound requests into the canonical
// model.TriggerRequest. It performs no I/O.
package trigger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nucleus-ops/nucleus/internal/model"
)

var (
	// ErrInvalidTrigger is the parent of every normalization failure.
	ErrInvalidTrigger = errors.New("trigger: invalid trigger")
	// ErrUnauthenticated means the origin requires a principal and has none.
	ErrUnauthenticated = fmt.Errorf("%w: unauthenticated", ErrInvalidTrigger)
	// ErrMissingField means a required field is absent or blank.
	ErrMissingField = fmt.Errorf("%w: missing field", ErrInvalidTrigger)
)

// Origin is one of SessionOrigin, APIKeyOrigin or WebhookOrigin.
type Origin interface {
	source() model.TriggerSource
}

// Payload is the caller-supplied part of an interactive or API trigger.
type Payload struct {
	TaskDescription string
	TenantID        string
	AccountID       string
	AccountName     string
	SelectedSkill   string
	Mode            string
	ThreadID        string
	Metadata        map[string]string
}

// SessionOrigin is a request from an interactive session.
type SessionOrigin struct {
	Principal *model.Principal
	Payload   Payload
}

// APIKeyOrigin is a request authenticated by an API key.
type APIKeyOrigin struct {
	Principal *model.Principal
	Payload   Payload
}

// SlashCommand is a verified Slack slash-command delivery.
type SlashCommand struct {
	TeamID      string
	ChannelID   string
	UserID      string
	Command     string
	Text        string
	ResponseURL string
	ThreadTS    string
}

// WebhookOrigin is a chat-ops delivery whose signature already verified.
type WebhookOrigin struct {
	TenantID string
	Command  SlashCommand
}

func (SessionOrigin) source() model.TriggerSource { return model.TriggerSourceInteractive }
func (APIKeyOrigin) source() model.TriggerSource  { return model.TriggerSourceAPIKey }
func (WebhookOrigin) source() model.TriggerSource { return model.TriggerSourceChatWebhook }

// Normalizer builds TriggerRequests. DefaultTenant fills the tenant when
// neither the credential nor the payload names one.
type Normalizer struct {
	DefaultTenant string
}

// Normalize converts origin into a TriggerRequest.
func (n Normalizer) Normalize(origin Origin) (model.TriggerRequest, error) {
	var (
		req model.TriggerRequest
		err error
	)
	switch o := origin.(type) {
	case SessionOrigin:
		req, err = n.fromPayload(o.source(), o.Principal, o.Payload)
		if err == nil && o.Principal.Subject != "" {
			req.TriggerMeta = withMeta(req.TriggerMeta, "client_id", o.Principal.Subject)
		}
	case APIKeyOrigin:
		req, err = n.fromPayload(o.source(), o.Principal, o.Payload)
		if err == nil && o.Principal.APIKeyID != nil {
			req.TriggerMeta = withMeta(req.TriggerMeta, "key_id", o.Principal.APIKeyID.String())
		}
	case WebhookOrigin:
		req, err = n.fromSlash(o)
	default:
		return model.TriggerRequest{}, fmt.Errorf("%w: unsupported origin %T", ErrInvalidTrigger, origin)
	}
	if err != nil {
		return model.TriggerRequest{}, err
	}
	if err := model.ValidateTrigger(req); err != nil {
		return model.TriggerRequest{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	return req, nil
}

func (n Normalizer) fromPayload(src model.TriggerSource, p *model.Principal, payload Payload) (model.TriggerRequest, error) {
	if p == nil {
		return model.TriggerRequest{}, ErrUnauthenticated
	}
	task := strings.TrimSpace(payload.TaskDescription)
	if task == "" {
		return model.TriggerRequest{}, fmt.Errorf("%w: task_description", ErrMissingField)
	}

	// A tenant-bound credential always wins over the payload.
	tenant := p.TenantID
	if tenant == "" {
		tenant = strings.TrimSpace(payload.TenantID)
	}

	req := model.TriggerRequest{
		Source:          src,
		TenantID:        n.tenant(tenant),
		TaskDescription: task,
		AccountID:       strings.TrimSpace(payload.AccountID),
		AccountName:     strings.TrimSpace(payload.AccountName),
		SelectedSkill:   strings.TrimSpace(payload.SelectedSkill),
		Mode:            normalizeMode(payload.Mode),
		ThreadID:        strings.TrimSpace(payload.ThreadID),
	}
	for k, v := range payload.Metadata {
		req.TriggerMeta = withMeta(req.TriggerMeta, k, v)
	}
	return req, nil
}

func (n Normalizer) fromSlash(o WebhookOrigin) (model.TriggerRequest, error) {
	fields := ParseCommandText(o.Command.Text)
	if fields.Task == "" {
		return model.TriggerRequest{}, fmt.Errorf("%w: text", ErrMissingField)
	}

	req := model.TriggerRequest{
		Source:          model.TriggerSourceChatWebhook,
		TenantID:        n.tenant(o.TenantID),
		TaskDescription: fields.Task,
		AccountID:       fields.AccountID,
		SelectedSkill:   fields.Skill,
		Mode:            normalizeMode(fields.Mode),
		ThreadID:        o.Command.ThreadTS,
	}
	if req.ThreadID == "" && o.Command.ChannelID != "" {
		req.ThreadID = "slack:" + o.Command.TeamID + ":" + o.Command.ChannelID
	}
	for k, v := range map[string]string{
		"team_id":      o.Command.TeamID,
		"channel_id":   o.Command.ChannelID,
		"user_id":      o.Command.UserID,
		"command":      o.Command.Command,
		"response_url": o.Command.ResponseURL,
	} {
		if v != "" {
			req.TriggerMeta = withMeta(req.TriggerMeta, k, v)
		}
	}
	return req, nil
}

func (n Normalizer) tenant(t string) string {
	if t == "" {
		return n.DefaultTenant
	}
	return t
}

func normalizeMode(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return model.DefaultMode
	}
	return m
}

func withMeta(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[k] = v
	return m
}

// ForPrincipal returns the origin matching how p authenticated. A nil
// principal yields an origin that fails with ErrUnauthenticated.
func ForPrincipal(p *model.Principal, payload Payload) Origin {
	if p != nil && p.Method == model.AuthMethodAPIKey {
		return APIKeyOrigin{Principal: p, Payload: payload}
	}
	return SessionOrigin{Principal: p, Payload: payload}
}
