package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go-face-gateway/models"
)

// Upstream error kind for a registration attempt reusing a known email.
// Newer service builds set the machine-readable code; older ones only
// produce prose, so the legacy detail marker is kept as a fallback.
const CodeDuplicateEmail = "duplicate_email"
const duplicateEmailMarker = "already registered"

// ServiceError is an application-level failure reported by the
// recognition service: an HTTP error status with a FastAPI-style
// {detail} payload and, on newer builds, a machine-readable {code}.
type ServiceError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("recognition service error %d (%s): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("recognition service error %d: %s", e.StatusCode, e.Detail)
}

// IsDuplicateEmail reports whether the failure means the email is already
// enrolled. Branches on the structured code first; string matching on the
// detail text only remains for services that predate the code field.
func (e *ServiceError) IsDuplicateEmail() bool {
	if e.Code == CodeDuplicateEmail {
		return true
	}
	return strings.Contains(e.Detail, duplicateEmailMarker)
}

// RecognitionClient defines the gateway's view of the remote biometric
// service. All face detection, embedding extraction and similarity
// thresholding happen behind this interface; the gateway never inspects
// image content beyond basic format checks.
type RecognitionClient interface {
	// Register enrolls a face with its profile fields.
	Register(ctx context.Context, req models.RegistrationRequest) error

	// Authenticate presents a face and returns the match verdict.
	Authenticate(ctx context.Context, image string) (*models.AuthenticationResult, error)

	// HealthCheck verifies the recognition service is reachable.
	HealthCheck(ctx context.Context) error
}

// FaceServiceClient implements RecognitionClient against the HTTP face
// recognition service.
type FaceServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFaceServiceClient creates a new instance of FaceServiceClient.
func NewFaceServiceClient(baseURL string) *FaceServiceClient {
	return &FaceServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Register enrolls a new face. The success payload is opaque; only the
// status class matters.
func (c *FaceServiceClient) Register(ctx context.Context, request models.RegistrationRequest) error {
	resp, err := c.postJSON(ctx, "/register", request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeServiceError(resp)
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Info("Face registered with recognition service", "email", request.Email)
	return nil
}

// Authenticate presents a single frame for identification.
func (c *FaceServiceClient) Authenticate(ctx context.Context, image string) (*models.AuthenticationResult, error) {
	resp, err := c.postJSON(ctx, "/authenticate", models.AuthenticationRequest{Image: image})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeServiceError(resp)
	}

	var result models.AuthenticationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode authenticate response: %w", err)
	}

	slog.Info("Face authentication completed", "matched", result.Matched, "confidence", result.Confidence)
	return &result, nil
}

// HealthCheck hits the service root, which answers {"status": "ok"} when
// the recognition models are loaded.
func (c *FaceServiceClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	slog.Debug("Recognition service health check passed")
	return nil
}

func (c *FaceServiceClient) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request for %s: %w", path, err)
	}
	return resp, nil
}

// decodeServiceError reads an error response body. Bodies that are not
// the expected JSON shape still yield a usable error with the raw text as
// detail.
func decodeServiceError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var payload struct {
		Detail string `json:"detail"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || (payload.Detail == "" && payload.Code == "") {
		payload.Detail = strings.TrimSpace(string(body))
	}

	return &ServiceError{
		StatusCode: resp.StatusCode,
		Code:       payload.Code,
		Detail:     payload.Detail,
	}
}
