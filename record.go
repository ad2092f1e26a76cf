package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// TurnRecorder records a completed turn against an identity. The hub
// invokes it off the event loop; its outcome only ever affects the
// text of a follow-up broadcast, never the turn pointer.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, identity string) error
}

// rpcRecorder calls a PostgREST-style rpc endpoint
// (POST {base}/rest/v1/rpc/increment_turn_count) to bump the stored
// turn count for a user profile.
type rpcRecorder struct {
	endpoint string
	key      string
	client   *http.Client
}

// noopRecorder is used when no recording service is configured, so
// the server can run without a database.
type noopRecorder struct{}

func (noopRecorder) RecordTurn(_ context.Context, _ string) error {
	return nil
}

func newTurnRecorder(cfg *Config) TurnRecorder {
	if cfg.recordURL == "" {
		return noopRecorder{}
	}

	return &rpcRecorder{
		endpoint: strings.TrimSuffix(cfg.recordURL, "/") + "/rest/v1/rpc/increment_turn_count",
		key:      cfg.recordKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *rpcRecorder) RecordTurn(ctx context.Context, identity string) error {
	body, err := json.Marshal(map[string]string{
		"user_profile_id": identity,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if r.key != "" {
		req.Header.Set("apikey", r.key)
		req.Header.Set("Authorization", "Bearer "+r.key)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("rpc returned %d: %s", resp.StatusCode, msg)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
