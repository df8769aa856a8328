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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "user@example.com"
	testPassword = "hunter2"
	testToken    = "tok-123"
	loginPage    = `<html><body><form method="post">
<input name="__RequestVerificationToken" type="hidden" value="tok-123" />
<input name="Email" type="text" />
</form></body></html>`
)

// fakePortal serves the login form and the JSON endpoints behind the auth cookie
type fakePortal struct {
	loginPath      string
	headersFails   int32
	headersCalls   int32
	rejectLogin    bool
	headersStatus  int
	dashboardQuery atomic.Value
}

func (p *fakePortal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	loginPath := p.loginPath
	if loginPath == "" {
		loginPath = "/Account/Login"
	}

	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, loginPage)
			return
		}
		require.NoError(t, r.ParseForm())
		if p.rejectLogin || r.PostForm.Get("Password") != testPassword ||
			r.PostForm.Get("Email") != testUser || r.PostForm.Get(AntiForgeryField) != testToken {
			fmt.Fprint(w, loginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: ".AspNet.ApplicationCookie", Value: "session", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})

	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := r.Cookie(".AspNet.ApplicationCookie"); err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc(PathDeviceList, authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"Value":4711,"Text":"Chata"},{"Value":"4712","Text":""}]`)
	}))
	mux.HandleFunc(PathDevicesHeaders, authed(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.headersCalls, 1)
		if atomic.AddInt32(&p.headersFails, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if p.headersStatus != 0 {
			w.WriteHeader(p.headersStatus)
			return
		}
		assert.Equal(t, "4711", r.URL.Query().Get("id"))
		assert.Equal(t, "false", r.URL.Query().Get("actualizeRecord"))
		fmt.Fprint(w, sampleHeadersJSON)
	}))
	mux.HandleFunc(PathDashboard, authed(func(w http.ResponseWriter, r *http.Request) {
		p.dashboardQuery.Store(r.URL.RawQuery)
		fmt.Fprint(w, `{"ReportItems":[{"ItemType":8,"ThisValueFlow1":10,"LastValueFlow1":40}]}`)
	}))
	return mux
}

func newTestClient(t *testing.T, p *fakePortal) *PortalClient {
	t.Helper()
	srv := httptest.NewServer(p.handler(t))
	t.Cleanup(srv.Close)

	c, err := NewPortalClient(srv.URL, testUser, testPassword, nil, true)
	require.NoError(t, err)
	c.initialBackoff = time.Millisecond
	return c
}

func TestNewPortalClient(t *testing.T) {
	c, err := NewPortalClient("", testUser, testPassword, nil, false)
	require.NoError(t, err)

	assert.Equal(t, PortalBaseURL, c.BaseURL)
	assert.Equal(t, testUser, c.Username)
	assert.Equal(t, HTTPMaxRetries, c.maxRetries)
	assert.Equal(t, HTTPClientTimeout, c.client.Timeout)
	assert.NotNil(t, c.client.Jar)

	c, err = NewPortalClient("https://example.test/", testUser, testPassword, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", c.BaseURL)
}

func TestFindAntiForgeryToken(t *testing.T) {
	assert.Equal(t, testToken, findAntiForgeryToken([]byte(loginPage)))
	assert.Empty(t, findAntiForgeryToken([]byte("<html></html>")))
}

func TestFetchAll(t *testing.T) {
	p := &fakePortal{}
	c := newTestClient(t, p)

	data, err := c.FetchAll(context.Background(), 4711)
	require.NoError(t, err)
	assert.Equal(t, "123", MeterID(data))
	assert.Equal(t, "deviceNumber=123&reportPage=false", p.dashboardQuery.Load())

	r := ExtractReading(data, nil)
	assert.Equal(t, 10.0, r.Today)
	assert.Equal(t, 40.0, r.Yesterday)
}

func TestLoginFallsBackToSecondPath(t *testing.T) {
	c := newTestClient(t, &fakePortal{loginPath: "/app/Account/Login"})
	require.NoError(t, c.Login(context.Background()))
	assert.True(t, c.hasAuthCookie())
}

func TestLoginRejected(t *testing.T) {
	c := newTestClient(t, &fakePortal{rejectLogin: true})

	_, err := c.FetchAll(context.Background(), 4711)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, testUser, authErr.Username)
}

func TestRetriesServiceUnavailable(t *testing.T) {
	p := &fakePortal{headersFails: 2}
	c := newTestClient(t, p)

	_, err := c.FetchAll(context.Background(), 4711)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&p.headersCalls))
}

func TestRetriesExhausted(t *testing.T) {
	p := &fakePortal{headersFails: 100}
	c := newTestClient(t, p)

	_, err := c.FetchAll(context.Background(), 4711)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable)
	assert.Equal(t, int32(HTTPMaxRetries+1), atomic.LoadInt32(&p.headersCalls))
}

func TestGetJSONStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "session rejected",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				assert.True(t, errors.As(err, &authErr))
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
				assert.False(t, apiErr.Retryable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakePortal{headersStatus: tt.status})
			_, err := c.FetchAll(context.Background(), 4711)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestGetJSONInvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	}))
	defer srv.Close()

	c, err := NewPortalClient(srv.URL, testUser, testPassword, nil, false)
	require.NoError(t, err)

	_, err = c.GetDeviceList(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid JSON response", apiErr.Message)
}

func TestGetDeviceList(t *testing.T) {
	c := newTestClient(t, &fakePortal{})
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	devices, err := c.GetDeviceList(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "4711", devices[0].ID())
	assert.Equal(t, "Chata", devices[0].Label())
	assert.Equal(t, "4712", devices[1].Label())
}

func TestFetchAllHonoursContext(t *testing.T) {
	c := newTestClient(t, &fakePortal{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchAll(ctx, 4711)
	assert.Error(t, err)
}
