// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/publicsuffix"
)

// DeviceOption is one entry of the portal's device picker
type DeviceOption struct {
	Value any    `json:"Value"`
	Text  string `json:"Text"`
}

// ID returns the device id as the portal expects it in query strings
func (d DeviceOption) ID() string {
	return formatScalar(d.Value)
}

// Label falls back to the id when the portal sends no name
func (d DeviceOption) Label() string {
	if d.Text != "" {
		return d.Text
	}
	return d.ID()
}

// PortalClient talks to the eVodník customer portal. It has no API token; every
// fetch logs in through the HTML form and rides on the resulting cookie.
type PortalClient struct {
	BaseURL  string
	Username string
	password string

	client         *http.Client
	maxRetries     int
	initialBackoff time.Duration
	debug          bool
	logger         *Logger
}

func NewPortalClient(baseURL, username, password string, logger *Logger, debug bool) (*PortalClient, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if baseURL == "" {
		baseURL = PortalBaseURL
	}
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &PortalClient{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Username:       username,
		password:       password,
		maxRetries:     HTTPMaxRetries,
		initialBackoff: HTTPInitialBackoff,
		debug:          debug,
		logger:         logger.WithComponent("portal_client").WithUsername(username),
		client: &http.Client{
			Timeout: HTTPClientTimeout,
			Jar:     jar,
		},
	}, nil
}

func (c *PortalClient) debugLog(msg string, args ...any) {
	if c.debug {
		c.logger.Debug(msg, args...)
	}
}

func (c *PortalClient) debugLogResponse(resp *http.Response, body []byte, duration float64) {
	if !c.debug {
		return
	}
	preview := string(body)
	if len(preview) > 500 {
		preview = preview[:500] + "... (truncated)"
	}
	c.logger.Debug("Portal response",
		"status", resp.StatusCode,
		"url", resp.Request.URL.String(),
		"duration_ms", duration*1000,
		"body", preview,
	)
}

func (c *PortalClient) newRequest(ctx context.Context, method, path string, params url.Values, form url.Values) (*http.Request, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", GetUserAgent())
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", c.BaseURL)
		req.Header.Set("Referer", c.BaseURL+path)
	}
	return req, nil
}

// do executes a request, reads the body, and retries transport errors and
// retryable statuses with exponential backoff
func (c *PortalClient) do(ctx context.Context, method, path string, params, form url.Values) (*http.Response, []byte, error) {
	var (
		resp *http.Response
		body []byte
	)

	operation := func() error {
		req, err := c.newRequest(ctx, method, path, params, form)
		if err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		r, err := c.client.Do(req)
		duration := time.Since(start).Seconds()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(NewAPIError(0, path, "request cancelled", err))
			}
			return NewAPIError(0, path, "request failed", err)
		}
		defer r.Body.Close()

		b, err := io.ReadAll(r.Body)
		if err != nil {
			return NewAPIError(r.StatusCode, path, "failed to read body", err)
		}
		c.logger.LogAPIRequest(method, path, r.StatusCode, duration)
		c.debugLogResponse(r, b, duration)

		if isRetryableStatus(r.StatusCode) {
			return NewAPIError(r.StatusCode, path, http.StatusText(r.StatusCode), nil)
		}
		resp, body = r, b
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Request failed, retrying",
			"method", method,
			"endpoint", path,
			"backoff_ms", wait.Milliseconds(),
			"error", err.Error(),
		)
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx),
		notify)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (c *PortalClient) hasAuthCookie() bool {
	u, err := url.Parse(c.BaseURL + "/")
	if err != nil {
		return false
	}
	for _, ck := range c.client.Jar.Cookies(u) {
		if strings.Contains(ck.Name, AuthCookieMarker) && strings.Contains(ck.Name, AuthCookieMarkerSuffix) {
			return true
		}
	}
	return false
}

// findAntiForgeryToken extracts the hidden verification token from the login form
func findAntiForgeryToken(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}
	return doc.Find(fmt.Sprintf(`input[name="%s"]`, AntiForgeryField)).First().AttrOr("value", "")
}

// Login establishes a session cookie. Each known login path is tried in turn.
func (c *PortalClient) Login(ctx context.Context) error {
	var lastErr error
	for _, path := range LoginPaths {
		resp, page, err := c.do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			c.debugLog("Login page unavailable", "path", path, "status", resp.StatusCode)
			continue
		}

		token := findAntiForgeryToken(page)
		if token == "" {
			c.debugLog("No anti-forgery token on login page", "path", path)
		}

		form := url.Values{
			AntiForgeryField: {token},
			"Email":          {c.Username},
			"UserName":       {c.Username},
			"Password":       {c.password},
			"RememberMe":     {"false"},
		}
		resp, _, err = c.do(ctx, http.MethodPost, path, nil, form)
		if err != nil {
			lastErr = err
			continue
		}
		if c.hasAuthCookie() && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusFound) {
			c.debugLog("Logged in", "path", path)
			return nil
		}
	}
	return &AuthError{Username: c.Username, Message: "login failed, check credentials", Err: lastErr}
}

func (c *PortalClient) getJSON(ctx context.Context, path string, params url.Values, v any) error {
	resp, body, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Username: c.Username, Message: "session rejected", Err: NewAPIError(resp.StatusCode, path, "unauthorized", nil)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return NewAPIError(resp.StatusCode, path, http.StatusText(resp.StatusCode), nil)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return NewAPIError(resp.StatusCode, path, "invalid JSON response", err)
	}
	return nil
}

// GetDeviceList returns the devices selectable for the logged-in account
func (c *PortalClient) GetDeviceList(ctx context.Context) ([]DeviceOption, error) {
	var devices []DeviceOption
	if err := c.getJSON(ctx, PathDeviceList, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevicesHeaders returns the header objects for a device id
func (c *PortalClient) GetDevicesHeaders(ctx context.Context, deviceID int) ([]any, error) {
	params := url.Values{
		"actualizeRecord": {"false"},
		"id":              {strconv.Itoa(deviceID)},
	}
	var headers []any
	if err := c.getJSON(ctx, PathDevicesHeaders, params, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

// GetDeviceDashboard returns the report dashboard for a device number
func (c *PortalClient) GetDeviceDashboard(ctx context.Context, deviceNumber string) (map[string]any, error) {
	params := url.Values{
		"deviceNumber": {deviceNumber},
		"reportPage":   {"false"},
	}
	var dashboard map[string]any
	if err := c.getJSON(ctx, PathDashboard, params, &dashboard); err != nil {
		return nil, err
	}
	return dashboard, nil
}

// FetchAll logs in and returns headers plus dashboard for one device
func (c *PortalClient) FetchAll(ctx context.Context, deviceID int) (*PollData, error) {
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	headers, err := c.GetDevicesHeaders(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("empty GetDevicesHeaders response")
	}
	deviceNumber := MeterID(&PollData{Headers: headers})
	if deviceNumber == "unknown" {
		return nil, errors.New("DeviceNumber missing in headers")
	}
	dashboard, err := c.GetDeviceDashboard(ctx, deviceNumber)
	if err != nil {
		return nil, err
	}
	return &PollData{Headers: headers, Dashboard: dashboard}, nil
}
