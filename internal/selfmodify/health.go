package selfmodify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultHealthURL = "http://127.0.0.1:18789/rpc"

// HealthProbe asks the running process whether it is healthy.
// An error means no answer; (false, nil) is an explicit unhealthy answer.
type HealthProbe interface {
	Healthy(ctx context.Context) (bool, error)
}

// HTTPProbe posts a mission.health RPC.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func NewHTTPProbe(url string) *HTTPProbe {
	if url == "" {
		url = DefaultHealthURL
	}
	return &HTTPProbe{URL: url, Client: &http.Client{Timeout: 2 * time.Second}}
}

type rpcHealthResponse struct {
	Result *struct {
		Healthy bool `json:"healthy"`
	} `json:"result"`
}

func (p *HTTPProbe) Healthy(ctx context.Context) (bool, error) {
	body := []byte(`{"method":"mission.health","params":{}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	var out rpcHealthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return false, fmt.Errorf("decode health response: %w", err)
	}
	return out.Result != nil && out.Result.Healthy, nil
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc func(ctx context.Context) (bool, error)

func (f ProbeFunc) Healthy(ctx context.Context) (bool, error) { return f(ctx) }
