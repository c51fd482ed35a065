package trigger_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/trigger"
)

var norm = trigger.Normalizer{DefaultTenant: "default"}

func TestNormalize_SessionOrigin(t *testing.T) {
	p := &model.Principal{Subject: "user-1", TenantID: "acme", Method: model.AuthMethodSession}
	req, err := norm.Normalize(trigger.SessionOrigin{
		Principal: p,
		Payload: trigger.Payload{
			TaskDescription: "  list running instances  ",
			TenantID:        "ignored",
			AccountID:       "123456789012",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TriggerSourceInteractive, req.Source)
	assert.Equal(t, "acme", req.TenantID, "credential tenant wins over payload")
	assert.Equal(t, "list running instances", req.TaskDescription)
	assert.Equal(t, "123456789012", req.AccountID)
	assert.Equal(t, model.DefaultMode, req.Mode)
	assert.Equal(t, "user-1", req.TriggerMeta["client_id"])
}

func TestNormalize_APIKeyOrigin(t *testing.T) {
	keyID := uuid.New()
	p := &model.Principal{Subject: "api-key:abcd", TenantID: "acme", Method: model.AuthMethodAPIKey, APIKeyID: &keyID}
	req, err := norm.Normalize(trigger.APIKeyOrigin{
		Principal: p,
		Payload:   trigger.Payload{TaskDescription: "x", Mode: "deep", SelectedSkill: "rds-health"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TriggerSourceAPIKey, req.Source)
	assert.Equal(t, "deep", req.Mode, "mode is propagated unchanged")
	assert.Equal(t, "rds-health", req.SelectedSkill)
	assert.Equal(t, keyID.String(), req.TriggerMeta["key_id"])
}

func TestNormalize_StaticKeyUsesPayloadThenDefaultTenant(t *testing.T) {
	p := &model.Principal{Subject: "api-key:static", Method: model.AuthMethodAPIKey}

	req, err := norm.Normalize(trigger.APIKeyOrigin{Principal: p, Payload: trigger.Payload{TaskDescription: "x", TenantID: "globex"}})
	require.NoError(t, err)
	assert.Equal(t, "globex", req.TenantID)

	req, err = norm.Normalize(trigger.APIKeyOrigin{Principal: p, Payload: trigger.Payload{TaskDescription: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "default", req.TenantID)
}

func TestNormalize_Unauthenticated(t *testing.T) {
	for _, o := range []trigger.Origin{
		trigger.SessionOrigin{Payload: trigger.Payload{TaskDescription: "x"}},
		trigger.APIKeyOrigin{Payload: trigger.Payload{TaskDescription: "x"}},
	} {
		_, err := norm.Normalize(o)
		assert.ErrorIs(t, err, trigger.ErrUnauthenticated)
		assert.ErrorIs(t, err, trigger.ErrInvalidTrigger)
	}
}

func TestNormalize_BlankTask(t *testing.T) {
	p := &model.Principal{Subject: "u", TenantID: "acme"}
	for _, task := range []string{"", "   ", "\n\t"} {
		_, err := norm.Normalize(trigger.APIKeyOrigin{Principal: p, Payload: trigger.Payload{TaskDescription: task}})
		assert.ErrorIs(t, err, trigger.ErrMissingField)
		assert.ErrorIs(t, err, trigger.ErrInvalidTrigger)
	}

	_, err := norm.Normalize(trigger.WebhookOrigin{TenantID: "acme", Command: trigger.SlashCommand{Text: "  "}})
	assert.ErrorIs(t, err, trigger.ErrMissingField)

	_, err = norm.Normalize(trigger.WebhookOrigin{TenantID: "acme", Command: trigger.SlashCommand{Text: "account:1 mode:deep"}})
	assert.ErrorIs(t, err, trigger.ErrMissingField)
}

func TestNormalize_TooLong(t *testing.T) {
	p := &model.Principal{Subject: "u", TenantID: "acme"}
	_, err := norm.Normalize(trigger.APIKeyOrigin{Principal: p, Payload: trigger.Payload{
		TaskDescription: strings.Repeat("x", model.MaxTaskDescriptionLen+1),
	}})
	assert.ErrorIs(t, err, trigger.ErrInvalidTrigger)
	assert.NotErrorIs(t, err, trigger.ErrMissingField)
}

func TestNormalize_WebhookOrigin(t *testing.T) {
	req, err := norm.Normalize(trigger.WebhookOrigin{
		TenantID: "",
		Command: trigger.SlashCommand{
			TeamID:      "T1",
			ChannelID:   "C1",
			UserID:      "U1",
			Command:     "/nucleus",
			Text:        "account:123456789012 mode:deep skill:ecs why is checkout slow",
			ResponseURL: "https://hooks.slack.com/commands/x",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TriggerSourceChatWebhook, req.Source)
	assert.Equal(t, "default", req.TenantID)
	assert.Equal(t, "why is checkout slow", req.TaskDescription)
	assert.Equal(t, "123456789012", req.AccountID)
	assert.Equal(t, "deep", req.Mode)
	assert.Equal(t, "ecs", req.SelectedSkill)
	assert.Equal(t, "slack:T1:C1", req.ThreadID)
	assert.Equal(t, "U1", req.TriggerMeta["user_id"])
	assert.Equal(t, "https://hooks.slack.com/commands/x", req.TriggerMeta["response_url"])
}

func TestParseCommandText(t *testing.T) {
	tests := []struct {
		text string
		want trigger.CommandFields
	}{
		{"list instances", trigger.CommandFields{Task: "list instances"}},
		{"mode:deep  check rds", trigger.CommandFields{Mode: "deep", Task: "check rds"}},
		{"see https://example.com/x", trigger.CommandFields{Task: "see https://example.com/x"}},
		{"note: disks are full", trigger.CommandFields{Task: "note: disks are full"}},
		{"Account:42 look", trigger.CommandFields{AccountID: "42", Task: "look"}},
		{"region:us-east-1 account:42 look", trigger.CommandFields{Task: "region:us-east-1 account:42 look"}},
		{"", trigger.CommandFields{}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, trigger.ParseCommandText(tt.text))
		})
	}
}

func TestForPrincipal(t *testing.T) {
	key := &model.Principal{Subject: "k", Method: model.AuthMethodAPIKey}
	sess := &model.Principal{Subject: "u", Method: model.AuthMethodSession}

	assert.IsType(t, trigger.APIKeyOrigin{}, trigger.ForPrincipal(key, trigger.Payload{}))
	assert.IsType(t, trigger.SessionOrigin{}, trigger.ForPrincipal(sess, trigger.Payload{}))

	_, err := trigger.Normalizer{}.Normalize(trigger.ForPrincipal(nil, trigger.Payload{TaskDescription: "x"}))
	assert.ErrorIs(t, err, trigger.ErrUnauthenticated)
}
