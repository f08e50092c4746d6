package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/safing/structures/dsd"

	"github.com/safing/portgate/base/info"
	"github.com/safing/portgate/service/coordinator"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/policy/storage"
)

// StatusError is returned by the client for non-success responses.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Code, http.StatusText(e.Code), e.Msg)
}

// Client talks to the API.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient returns a client for the API at address.
func NewClient(address string) *Client {
	if address == "" {
		address = DefaultAddress
	}

	network, addr := splitAddress(address)
	transport := &http.Transport{}
	baseURL := "http://" + addr
	if network == "unix" {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", addr)
		}
		baseURL = "http://portgate"
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		baseURL: baseURL,
	}
}

// NewClientWithHTTP returns a client using the given http client and base URL.
func NewClientWithHTTP(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, resp any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if _, err := dsd.RequestHTTPResponseFormat(req, dsd.JSON); err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{
			Code: res.StatusCode,
			Msg:  strings.TrimSpace(string(msg)),
		}
	}

	if resp == nil {
		return nil
	}
	_, err = dsd.LoadFromHTTPResponse(res, resp)
	return err
}

// Info returns the build information of the controller.
func (c *Client) Info(ctx context.Context) (*info.Info, error) {
	i := &info.Info{}
	err := c.do(ctx, http.MethodGet, "/api/v1/info", i)
	return i, err
}

// Status returns the filter status.
func (c *Client) Status(ctx context.Context) (coordinator.Status, error) {
	var s coordinator.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", &s)
	return s, err
}

// Filter runs a filter action: install, start, stop or register.
// It returns the status before the action is processed.
func (c *Client) Filter(ctx context.Context, action string) (coordinator.Status, error) {
	var s coordinator.Status
	err := c.do(ctx, http.MethodPost, "/api/v1/filter/"+url.PathEscape(action), &s)
	return s, err
}

// Policies returns all policies. If match is set, only policies of apps
// matching the glob pattern are returned.
func (c *Client) Policies(ctx context.Context, match string) ([]storage.AppPolicy, error) {
	path := "/api/v1/policies"
	if match != "" {
		path += "?match=" + url.QueryEscape(match)
	}

	var policies []storage.AppPolicy
	err := c.do(ctx, http.MethodGet, path, &policies)
	return policies, err
}

// Policy returns the policy of an app.
func (c *Client) Policy(ctx context.Context, appID string) (storage.AppPolicy, error) {
	var p storage.AppPolicy
	err := c.do(ctx, http.MethodGet, "/api/v1/policies/"+url.PathEscape(appID), &p)
	return p, err
}

// SetPolicy allows or denies an app and returns the stored policy.
func (c *Client) SetPolicy(ctx context.Context, appID string, allow bool) (storage.AppPolicy, error) {
	action := "deny"
	if allow {
		action = "allow"
	}

	var p storage.AppPolicy
	err := c.do(ctx, http.MethodPost, "/api/v1/policies/"+url.PathEscape(appID)+"/"+action, &p)
	return p, err
}

// Events returns up to limit recent decision events.
func (c *Client) Events(ctx context.Context, limit int) ([]flow.DecisionEvent, error) {
	var events []flow.DecisionEvent
	err := c.do(ctx, http.MethodGet, "/api/v1/events?limit="+strconv.Itoa(limit), &events)
	return events, err
}

// History returns persisted decision events since the given time.
func (c *Client) History(ctx context.Context, since time.Time, limit int) ([]flow.DecisionEvent, error) {
	q := url.Values{}
	q.Set("since", since.Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))

	var events []flow.DecisionEvent
	err := c.do(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), &events)
	return events, err
}
