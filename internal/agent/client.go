package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/platform"
)

// Business codes the agent reports for failed uploads. The DOM interaction
// itself lives in the agent process; the core only maps its codes onto the
// retry taxonomy.
const (
	codeOK           = 0
	codeRateLimited  = 1003
	codeBadContent   = 1005
	codePageTimeout  = 1006
	codeQuotaDrained = 1100
	codeBanned       = 1101
)

// Client is the platform.Adapter implementation that talks to the upload
// agent: the separate service owning the page automation for the target
// site. One upload call blocks until the agent reports a result, so the
// HTTP client carries no timeout of its own; the attempt context bounds it.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ platform.Adapter = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

type agentResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) CheckSession(ctx context.Context, session *models.Session) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := c.post(checkCtx, "/api/session/check", map[string]interface{}{
		"endpoint": session.EndpointRef,
	})
	if err != nil {
		return false, err
	}
	if resp.Code != codeOK {
		return false, errors.Errorf("session check failed: %s", resp.Message)
	}
	var data struct {
		LoggedIn bool `json:"logged_in"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return false, errors.Wrap(err, "decode session check response")
	}
	return data.LoggedIn, nil
}

func (c *Client) PerformUpload(ctx context.Context, session *models.Session, payloadRef string) (string, error) {
	resp, err := c.post(ctx, "/api/upload", map[string]interface{}{
		"endpoint": session.EndpointRef,
		"payload":  payloadRef,
	})
	if err != nil {
		return "", &platform.UploadError{Kind: platform.TransientNetwork, Message: err.Error()}
	}
	if resp.Code != codeOK {
		return "", uploadError(resp)
	}
	var data struct {
		ResultRef string `json:"result_ref"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", &platform.UploadError{Kind: platform.Unknown, Message: err.Error()}
	}
	return data.ResultRef, nil
}

func (c *Client) Abort(ctx context.Context, session *models.Session) error {
	_, err := c.post(ctx, "/api/abort", map[string]interface{}{
		"endpoint": session.EndpointRef,
	})
	return err
}

// uploadError translates agent business codes into the closed error kinds
// the scheduler understands.
func uploadError(resp *agentResponse) *platform.UploadError {
	switch resp.Code {
	case codeBanned:
		return &platform.UploadError{Kind: platform.AuthLost, Message: resp.Message}
	case codeQuotaDrained:
		return &platform.UploadError{Kind: platform.QuotaRejectedByTarget, Message: resp.Message}
	case codeRateLimited, codePageTimeout:
		return &platform.UploadError{Kind: platform.TransientNetwork, Message: resp.Message}
	case codeBadContent:
		return &platform.UploadError{Kind: platform.ContentRejected, Message: resp.Message}
	default:
		return &platform.UploadError{Kind: platform.Unknown, Message: resp.Message}
	}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*agentResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	var ar agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", path)
	}
	return &ar, nil
}
