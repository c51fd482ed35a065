package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/webhook"
)

type connection struct {
	baseURL string
	apiKey  string
	token   string
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func (c *connection) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.apiKey != "":
		req.Header.Set("X-API-Key", c.apiKey)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr model.APIError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	env := struct {
		Data any `json:"data"`
	}{Data: out}
	return json.NewDecoder(resp.Body).Decode(&env)
}

func runCreate(args []string) error {
	var (
		conn connection
		req  model.CreateRunRequest
		wait time.Duration
	)
	fs := newFlagSet("run", &conn)
	fs.StringVar(&req.TenantID, "tenant", "", "tenant (ignored for tenant-bound credentials)")
	fs.StringVar(&req.AccountID, "account", "", "cloud account id")
	fs.StringVar(&req.Mode, "mode", "", "planner mode hint")
	fs.StringVar(&req.SelectedSkill, "skill", "", "planner skill hint")
	fs.StringVar(&req.ThreadID, "thread", "", "thread id")
	fs.DurationVar(&wait, "wait", 0, "poll until the run finishes, up to this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req.TaskDescription = strings.Join(fs.Args(), " ")

	ctx := context.Background()
	var created model.CreateRunResponse
	if err := conn.do(ctx, http.MethodPost, "/v1/runs", req, &created); err != nil {
		return err
	}
	if wait <= 0 {
		return printJSON(created)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		var run model.Run
		if err := conn.do(ctx, http.MethodGet, "/v1/runs/"+created.RunID.String(), nil, &run); err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return printJSON(run)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("run %s still %s after %s", run.ID, run.Status, wait)
		case <-ticker.C:
		}
	}
}

func runGet(args []string) error {
	var conn connection
	fs := newFlagSet("get", &conn)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nucleusctl get [flags] <run-id>")
	}
	var run model.Run
	if err := conn.do(context.Background(), http.MethodGet, "/v1/runs/"+fs.Arg(0), nil, &run); err != nil {
		return err
	}
	return printJSON(run)
}

func runSlack(args []string) error {
	var conn connection
	var secret, tenant, team, channel, user, command string
	fs := newFlagSet("slack", &conn)
	fs.StringVar(&secret, "secret", os.Getenv("SLACK_SIGNING_SECRET"), "signing secret")
	fs.StringVar(&tenant, "tenant", "", "tenant path segment; empty uses the fallback secret")
	fs.StringVar(&team, "team", "T0000000", "team_id")
	fs.StringVar(&channel, "channel", "C0000000", "channel_id")
	fs.StringVar(&user, "user", "U0000000", "user_id")
	fs.StringVar(&command, "command", "/nucleus", "command")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := []byte(url.Values{
		"team_id":    {team},
		"channel_id": {channel},
		"user_id":    {user},
		"command":    {command},
		"text":       {strings.Join(fs.Args(), " ")},
	}.Encode())
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	path := "/v1/webhooks/slack"
	if tenant != "" {
		path += "/" + tenant
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(conn.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", webhook.Sign(body, ts, secret))

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
	return nil
}

func runSign(args []string) error {
	var secret, ts string
	fs := newFlagSet("sign", nil)
	fs.StringVar(&secret, "secret", os.Getenv("SLACK_SIGNING_SECRET"), "signing secret")
	fs.StringVar(&ts, "timestamp", "", "unix timestamp; defaults to now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("--secret is required")
	}
	if ts == "" {
		ts = strconv.FormatInt(time.Now().Unix(), 10)
	}
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	fmt.Printf("X-Slack-Request-Timestamp: %s\nX-Slack-Signature: %s\n", ts, webhook.Sign(body, ts, secret))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
