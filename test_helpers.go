package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"go-face-gateway/models"

	"github.com/stretchr/testify/require"
)

var testConfig = ServerConfig{
	Host:         "localhost",
	Port:         8081,
	UseTls:       false,
	MaxFrameEdge: 640,
}

const testBaseURL = "http://localhost:8081"

func startTestServer(t *testing.T, state *ServerState) *Server {
	t.Helper()

	if state.operations == nil {
		state.operations = newOperationGate()
	}

	srv, err := NewServer(state, testConfig)
	require.NoError(t, err)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("server error: %v", err)
		}
	}()

	waitUntilHealthy(t, testBaseURL+"/api/health")
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Logf("error shutting down server: %v", err)
		}
	})
	return srv
}

func waitUntilHealthy(t *testing.T, url string) {
	t.Helper()
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		if resp, err := http.Get(url); err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not start in time")
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	var v T
	_ = json.Unmarshal(respBody, &v)

	return resp, respBody, &v
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

func decodeBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

// testFrame produces a small captured frame the way the browser does:
// a JPEG encoded as a base64 data URL.
func testFrame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newRegistration(t *testing.T) models.RegistrationRequest {
	t.Helper()
	return models.RegistrationRequest{
		Image:      testFrame(t),
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Email:      "ada@example.com",
		Department: "Engineering",
	}
}

func matchedResult(confidence float64) *models.AuthenticationResult {
	last := "2026-08-25T18:30:00"
	return &models.AuthenticationResult{
		Matched:    true,
		Confidence: confidence,
		User: &models.UserProfile{
			FirstName:         "Ada",
			LastName:          "Lovelace",
			Email:             "ada@example.com",
			Department:        "Engineering",
			RegisteredAt:      "2026-08-01T09:00:00",
			LastAuthenticated: &last,
		},
	}
}

// test doubles

type fakeRecognitionClient struct {
	registerErr error
	authResult  *models.AuthenticationResult
	authErr     error
	healthErr   error

	registerCalls atomic.Int32
	authCalls     atomic.Int32

	// When set, Authenticate signals entered and then blocks until
	// proceed is closed. Used to hold the operation gate open.
	entered chan struct{}
	proceed chan struct{}
}

func (f *fakeRecognitionClient) Register(_ context.Context, _ models.RegistrationRequest) error {
	f.registerCalls.Add(1)
	return f.registerErr
}

func (f *fakeRecognitionClient) Authenticate(_ context.Context, _ string) (*models.AuthenticationResult, error) {
	f.authCalls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.proceed
	}
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authResult, nil
}

func (f *fakeRecognitionClient) HealthCheck(_ context.Context) error {
	return f.healthErr
}

type fakeSessionCreator struct {
	token   string
	profile models.UserProfile
	err     error
}

func (f *fakeSessionCreator) CreateSessionJwt(user models.UserProfile) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.profile = user
	return f.token, nil
}

func (f *fakeSessionCreator) VerifySessionJwt(token string) (*SessionClaims, error) {
	if token != f.token {
		return nil, fmt.Errorf("unknown token")
	}
	return &SessionClaims{
		FirstName:         f.profile.FirstName,
		LastName:          f.profile.LastName,
		Email:             f.profile.Email,
		Department:        f.profile.Department,
		RegisteredAt:      f.profile.RegisteredAt,
		LastAuthenticated: f.profile.LastAuthenticated,
	}, nil
}
