package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/trigger"
)

// Slack request signing headers.
const (
	headerSlackTimestamp = "X-Slack-Request-Timestamp"
	headerSlackSignature = "X-Slack-Signature"
)

// slackMessage is a slash-command response body.
type slackMessage struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// HandleSlackCommand handles POST /v1/webhooks/slack and
// POST /v1/webhooks/slack/{tenant_id}.
//
// The signature is checked over the raw body before the form is parsed.
// A delivery that fails verification never reaches the normalizer.
func (h *Handlers) HandleSlackCommand(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if h.verifier == nil || !h.verifier.Verify(r.Context(), tenantID, body,
		r.Header.Get(headerSlackTimestamp), r.Header.Get(headerSlackSignature)) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid signature")
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed form body")
		return
	}

	treq, err := h.normalizer.Normalize(trigger.WebhookOrigin{
		TenantID: tenantID,
		Command: trigger.SlashCommand{
			TeamID:      form.Get("team_id"),
			ChannelID:   form.Get("channel_id"),
			UserID:      form.Get("user_id"),
			Command:     form.Get("command"),
			Text:        form.Get("text"),
			ResponseURL: form.Get("response_url"),
			ThreadTS:    form.Get("thread_ts"),
		},
	})
	if errors.Is(err, trigger.ErrMissingField) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"usage: "+form.Get("command")+" [account:<id>] [mode:<mode>] [skill:<skill>] <task>")
		return
	}
	if !h.writeTriggerError(w, r, err) {
		return
	}

	run, ok := h.submit(w, r, treq)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(slackMessage{
		ResponseType: "ephemeral",
		Text:         fmt.Sprintf("Run %s queued: %s", run.ID, treq.TaskDescription),
	})
}
