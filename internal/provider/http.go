package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vmarkovic/upflow/pkg/models"
)

// HTTPProvider drives a local anti-detect browser manager over its JSON API.
// The manager hosts one isolated browser profile per account; opening a
// profile returns the debug endpoint the upload agent connects to. That
// endpoint is what the core sees as the opaque endpointRef; the profile ID
// behind it stays private to this client.
type HTTPProvider struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	profiles map[string]string // endpointRef -> profile ID
}

func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 90 * time.Second},
		profiles: make(map[string]string),
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// OpenSession opens the browser profile referenced by the account's
// credentials and returns the debug endpoint. The manager answers "browser
// is closing, retry later" while a previous close is still in flight, so
// opening retries on that signal until the context gives up.
func (p *HTTPProvider) OpenSession(ctx context.Context, account models.Account) (string, error) {
	for {
		data, err := p.post(ctx, "/browser/open", map[string]interface{}{"id": account.CredentialsRef})
		if err == nil {
			var od struct {
				HTTP string `json:"http"`
			}
			if jsonErr := json.Unmarshal(data, &od); jsonErr != nil {
				return "", errors.Wrap(jsonErr, "decode open response")
			}
			if od.HTTP == "" {
				return "", errors.New("open response missing debug endpoint")
			}
			endpointRef := "http://" + od.HTTP
			p.mu.Lock()
			p.profiles[endpointRef] = account.CredentialsRef
			p.mu.Unlock()
			return endpointRef, nil
		}
		if !isBrowserClosing(err) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (p *HTTPProvider) CloseSession(ctx context.Context, endpointRef string) error {
	p.mu.Lock()
	id, ok := p.profiles[endpointRef]
	delete(p.profiles, endpointRef)
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown endpoint %s", endpointRef)
	}
	_, err := p.post(ctx, "/browser/close", map[string]interface{}{"id": id})
	return err
}

// Probe checks the profile detail endpoint; a profile the manager no longer
// reports as running is dead.
func (p *HTTPProvider) Probe(ctx context.Context, endpointRef string) (bool, error) {
	p.mu.Lock()
	id, ok := p.profiles[endpointRef]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	data, err := p.post(ctx, "/browser/detail", map[string]interface{}{"id": id})
	if err != nil {
		return false, err
	}
	var detail struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		return false, errors.Wrap(err, "decode detail response")
	}
	return detail.Status == "Active", nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", path)
	}
	if !ar.Success {
		return nil, errors.Errorf("POST %s: %s", path, ar.Msg)
	}
	return ar.Data, nil
}

func isBrowserClosing(err error) bool {
	return strings.Contains(err.Error(), "closing")
}
