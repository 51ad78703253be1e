package checkers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arenactf/engine/internal/model"
)

// HTTPChecker is a reference checker for plain-HTTP services: check()
// probes a health endpoint, put() POSTs the flag to a storage
// endpoint, get() GETs it back by seed and compares. Adapted from the
// CORRUPT-stub shape of the original's example_checker_1, but made
// into a real network probe since a CTF checker that never touches
// the network is not representative of what one actually does.
type HTTPChecker struct {
	client  *http.Client
	baseURL string
}

// NewHTTPChecker is the factory registered as the "http" checker. The base URL
// is built from the team's host and the service's port, the layout the
// engine's config.ServiceConfig/TeamConfig describe.
func NewHTTPChecker(team model.Team, service model.Service) Checker {
	base := httpClientWithTimeout(nil, 5*time.Second, false)
	return &HTTPChecker{
		client:  base,
		baseURL: fmt.Sprintf("http://%s:%d", team.Host, service.Port),
	}
}

func init() {
	Register("http", NewHTTPChecker)
}

// httpClientWithTimeout returns a shallow copy of base with its
// Timeout set, mirroring the teacher's CopyHTTPClientWithTimeout
// helper so a shared client is never mutated out from under a caller.
func httpClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout}
	}
	copied := *base
	if copied.Timeout == 0 || force {
		copied.Timeout = timeout
	}
	return &copied
}

func (c *HTTPChecker) Check(ctx context.Context) model.Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return model.StatusError
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return model.StatusDown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.StatusMumble
	}
	return model.StatusOK
}

func (c *HTTPChecker) Put(ctx context.Context, flagData, seed string) model.Status {
	body := bytes.NewBufferString(flagData)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/flag/"+seed, body)
	if err != nil {
		return model.StatusError
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return model.StatusDown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return model.StatusMumble
	}
	return model.StatusOK
}

func (c *HTTPChecker) Get(ctx context.Context, flagData, seed string) model.Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/flag/"+seed, nil)
	if err != nil {
		return model.StatusError
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return model.StatusDown
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return model.StatusCorrupt
	}
	if resp.StatusCode != http.StatusOK {
		return model.StatusMumble
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.StatusMumble
	}
	if string(got) != flagData {
		return model.StatusMumble
	}
	return model.StatusOK
}
