//go:build e2e

// Package e2e_test drives a running server over HTTP. Point E2E_BASE_URL at
// it (default http://localhost:8080/v1); tests skip when it is unreachable.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseURL = getenv("E2E_BASE_URL", "http://localhost:8080/v1")

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	healthz := strings.TrimSuffix(baseURL, "/v1") + "/healthz"
	resp, err := client.Get(healthz)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		t.Skip("App not available; skipping E2E")
	}
	resp.Body.Close()
	return client
}

// do sends body as JSON and decodes a JSON reply into out when non-nil.
// Write endpoints are rate limited per minute, so 429 is retried.
func do(t *testing.T, client *http.Client, method, path string, body any, out any, hdr ...string) *http.Response {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	for i := 0; ; i++ {
		req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for j := 0; j+1 < len(hdr); j += 2 {
			req.Header.Set(hdr[j], hdr[j+1])
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests && i < 60 {
			resp.Body.Close()
			time.Sleep(time.Second)
			continue
		}
		defer resp.Body.Close()
		if out != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp
	}
}

func registerDoc(t *testing.T, client *http.Client, kind, name, text string) string {
	t.Helper()
	var out struct {
		ID string `json:"id"`
	}
	resp := do(t, client, http.MethodPost, "/"+kind, map[string]any{"name": name, "text": text}, &out)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, out.ID)
	return out.ID
}

type job struct {
	ID       string           `json:"id"`
	Status   string           `json:"status"`
	Progress int              `json:"progress"`
	Error    string           `json:"error"`
	Results  []map[string]any `json:"results"`
}

// waitForJob polls until the job leaves processing or timeout passes.
func waitForJob(t *testing.T, client *http.Client, id string, timeout time.Duration) job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		var j job
		resp := do(t, client, http.MethodGet, "/grading-jobs/"+id, nil, &j)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if j.Status != "processing" || time.Now().After(deadline) {
			return j
		}
		time.Sleep(time.Second)
	}
}
