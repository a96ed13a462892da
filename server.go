package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-face-gateway/images"
	"go-face-gateway/models"
	"go-face-gateway/webui"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Error codes carried in every error response. The web client branches on
// these, never on the prose detail.
const ErrorInternal = "error:internal"
const ErrorBusy = "error:busy"
const ErrorNoFrame = "error:no-frame"
const ErrorBadImage = "error:bad-image"
const ErrorInvalidRequest = "error:invalid-request"
const ErrorDuplicateEmail = "error:duplicate-email"
const ErrorNotRecognized = "error:not-recognized"
const ErrorUpstream = "error:upstream"
const ErrorUnauthorized = "error:unauthorized"

const ERR_MARSHAL = "failed to marshal response message"
const ERR_DECODE_BODY = "failed to decode request body"
const ERR_FIELDS_REQUIRED = "all fields are required"
const ERR_NO_FRAME = "no frame was captured"
const ERR_BUSY = "another biometric operation is in progress"
const ERR_UNREACHABLE = "recognition service unreachable"

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`

	// Frames whose longest edge exceeds this are downscaled before they
	// are forwarded. Zero disables scaling.
	MaxFrameEdge int `json:"max_frame_edge,omitempty"`
}

type ServerState struct {
	recognitionClient RecognitionClient
	attemptStore      AttemptStore
	sessionCreator    SessionCreator
	operations        *operationGate
	maxFrameEdge      int
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

// operationGate enforces at most one in-flight biometric operation
// gateway-wide. Register and authenticate both pass through it; a second
// concurrent attempt is rejected immediately rather than queued.
type operationGate struct {
	slot chan struct{}
}

func newOperationGate() *operationGate {
	g := &operationGate{slot: make(chan struct{}, 1)}
	g.slot <- struct{}{}
	return g
}

func (g *operationGate) TryAcquire() bool {
	select {
	case <-g.slot:
		return true
	default:
		return false
	}
}

func (g *operationGate) Release() {
	select {
	case g.slot <- struct{}{}:
	default:
	}
}

// SpaHandler serves the embedded web client. Requests that do not match a
// static asset fall back to index.html, which is the standard behavior
// for hosting a single page application.
type SpaHandler struct {
	assets    fs.FS
	indexPath string
}

func (h SpaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("SPA handler serving request", "path", r.URL.Path)
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = h.indexPath
	}

	fi, err := fs.Stat(h.assets, path)
	if err != nil || fi.IsDir() {
		slog.Debug("Serving index.html for path", "path", r.URL.Path)
		index, ferr := fs.ReadFile(h.assets, h.indexPath)
		if ferr != nil {
			http.Error(w, ferr.Error(), http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, h.indexPath, time.Time{}, bytes.NewReader(index))
		return
	}

	http.FileServer(http.FS(h.assets)).ServeHTTP(w, r)
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)

	if state.operations == nil {
		state.operations = newOperationGate()
	}
	state.maxFrameEdge = config.MaxFrameEdge

	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(state, w, r)
	})
	router.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		handleRegister(state, w, r)
	})
	router.HandleFunc("/api/authenticate", func(w http.ResponseWriter, r *http.Request) {
		handleAuthenticate(state, w, r)
	})
	router.HandleFunc("/api/activity", func(w http.ResponseWriter, r *http.Request) {
		handleActivity(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		handleSession(state, w, r)
	}).Methods(http.MethodGet)

	slog.Debug("Registered all API routes")

	spa := SpaHandler{assets: webui.Assets(), indexPath: "index.html"}
	router.PathPrefix("/").Handler(spa)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: c.Handler(router),
		Addr:    addr,
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

type ErrorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type RegisterResponse struct {
	Message string `json:"message"`
}

type AuthenticateResponse struct {
	Matched      bool                `json:"matched"`
	Confidence   float64             `json:"confidence"`
	Message      string              `json:"message"`
	Code         string              `json:"code,omitempty"`
	User         *models.UserProfile `json:"user,omitempty"`
	SessionToken string              `json:"sessionToken,omitempty"`
}

type HealthResponse struct {
	Ok                 bool `json:"ok"`
	RecognitionService bool `json:"recognition_service"`
}

type ActivityResponse struct {
	Attempts []AttemptRecord `json:"attempts"`
}

func handleHealth(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Health check request received")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	reachable := state.recognitionClient.HealthCheck(ctx) == nil
	if err := writeJSON(w, http.StatusOK, HealthResponse{Ok: true, RecognitionService: reachable}); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func handleRegister(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	requestId := uuid.NewString()
	slog.Info("Received registration request", "request_id", requestId)

	if !state.operations.TryAcquire() {
		respondWithErr(w, http.StatusConflict, ErrorBusy, ERR_BUSY, "rejected concurrent register", nil)
		return
	}
	defer state.operations.Release()

	var request models.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, ERR_DECODE_BODY, ERR_DECODE_BODY, err)
		return
	}

	if request.HasEmptyField() {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, ERR_FIELDS_REQUIRED, "registration with empty fields rejected", nil)
		return
	}

	// A missing frame is a capture failure on the client side. It must be
	// rejected here without ever contacting the recognition service.
	if request.Image == "" {
		respondWithErr(w, http.StatusBadRequest, ErrorNoFrame, ERR_NO_FRAME, "registration without frame rejected", nil)
		return
	}

	normalized, err := images.Normalize(request.Image, state.maxFrameEdge)
	if err != nil {
		recordAttempt(state, AttemptRegister, request.Email, OutcomeFailure, 0)
		respondWithErr(w, http.StatusBadRequest, ErrorBadImage, err.Error(), "invalid frame in registration request", err)
		return
	}
	request.Image = normalized

	slog.Debug("Forwarding registration to recognition service", "request_id", requestId, "email", request.Email)
	if err := state.recognitionClient.Register(r.Context(), request); err != nil {
		recordAttempt(state, AttemptRegister, request.Email, OutcomeFailure, 0)

		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			if svcErr.IsDuplicateEmail() {
				respondWithErr(w, http.StatusConflict, ErrorDuplicateEmail, svcErr.Detail, "duplicate email registration rejected", err)
				return
			}
			respondWithErr(w, http.StatusBadRequest, ErrorUpstream, svcErr.Detail, "recognition service rejected registration", err)
			return
		}

		respondWithErr(w, http.StatusBadGateway, ErrorUpstream, ERR_UNREACHABLE, "registration call failed", err)
		return
	}

	recordAttempt(state, AttemptRegister, request.Email, OutcomeSuccess, 0)

	if err := writeJSON(w, http.StatusOK, RegisterResponse{Message: "Registration successful!"}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, ERR_MARSHAL, err)
		return
	}

	slog.Info("Registration completed successfully", "request_id", requestId, "email", request.Email)
}

func handleAuthenticate(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	requestId := uuid.NewString()
	slog.Info("Received authentication request", "request_id", requestId)

	if !state.operations.TryAcquire() {
		respondWithErr(w, http.StatusConflict, ErrorBusy, ERR_BUSY, "rejected concurrent authenticate", nil)
		return
	}
	defer state.operations.Release()

	var request models.AuthenticationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, ERR_DECODE_BODY, ERR_DECODE_BODY, err)
		return
	}

	if request.Image == "" {
		respondWithErr(w, http.StatusBadRequest, ErrorNoFrame, ERR_NO_FRAME, "authentication without frame rejected", nil)
		return
	}

	normalized, err := images.Normalize(request.Image, state.maxFrameEdge)
	if err != nil {
		recordAttempt(state, AttemptAuthenticate, "", OutcomeFailure, 0)
		respondWithErr(w, http.StatusBadRequest, ErrorBadImage, err.Error(), "invalid frame in authentication request", err)
		return
	}

	slog.Debug("Forwarding authentication to recognition service", "request_id", requestId)
	result, err := state.recognitionClient.Authenticate(r.Context(), normalized)
	if err != nil {
		recordAttempt(state, AttemptAuthenticate, "", OutcomeFailure, 0)

		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			respondWithErr(w, http.StatusBadRequest, ErrorUpstream, svcErr.Detail, "recognition service rejected authentication", err)
			return
		}

		respondWithErr(w, http.StatusBadGateway, ErrorUpstream, ERR_UNREACHABLE, "authentication call failed", err)
		return
	}

	if !result.Matched {
		recordAttempt(state, AttemptAuthenticate, "", OutcomeNotRecognized, result.Confidence)

		response := AuthenticateResponse{
			Matched:    false,
			Confidence: result.Confidence,
			Code:       ErrorNotRecognized,
			Message:    "Face not recognized. Please try again or register first.",
		}
		if err := writeJSON(w, http.StatusOK, response); err != nil {
			respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, ERR_MARSHAL, err)
		}
		slog.Info("Authentication completed without a match", "request_id", requestId, "confidence", result.Confidence)
		return
	}

	email := ""
	if result.User != nil {
		email = result.User.Email
	}
	recordAttempt(state, AttemptAuthenticate, email, OutcomeSuccess, result.Confidence)

	response := AuthenticateResponse{
		Matched:    true,
		Confidence: result.Confidence,
		Message:    fmt.Sprintf("Authentication successful (%.2f%% confidence)", result.Confidence*100),
		User:       result.User,
	}

	if state.sessionCreator != nil && result.User != nil {
		token, err := state.sessionCreator.CreateSessionJwt(*result.User)
		if err != nil {
			// The match already happened; a session failure should not
			// void the authentication result.
			slog.Warn("Failed to create session token", "request_id", requestId, "error", err)
		} else {
			response.SessionToken = token
		}
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, ERR_MARSHAL, err)
		return
	}

	slog.Info("Authentication completed successfully", "request_id", requestId, "email", email, "confidence", result.Confidence)
}

func handleActivity(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "limit must be a positive integer", "invalid activity limit", err)
			return
		}
		limit = parsed
	}

	attempts, err := state.attemptStore.RecentAttempts(limit)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to read attempt log", "failed to read attempt log", err)
		return
	}

	if err := writeJSON(w, http.StatusOK, ActivityResponse{Attempts: attempts}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, ERR_MARSHAL, err)
	}
}

func handleSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if state.sessionCreator == nil {
		respondWithErr(w, http.StatusNotFound, ErrorInvalidRequest, "session issuance is not configured", "session endpoint hit without session creator", nil)
		return
	}

	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		respondWithErr(w, http.StatusUnauthorized, ErrorUnauthorized, "missing bearer token", "session request without bearer token", nil)
		return
	}

	claims, err := state.sessionCreator.VerifySessionJwt(token)
	if err != nil {
		respondWithErr(w, http.StatusUnauthorized, ErrorUnauthorized, "invalid session token", "session token rejected", err)
		return
	}

	profile := models.UserProfile{
		FirstName:         claims.FirstName,
		LastName:          claims.LastName,
		Email:             claims.Email,
		Department:        claims.Department,
		RegisteredAt:      claims.RegisteredAt,
		LastAuthenticated: claims.LastAuthenticated,
	}

	if err := writeJSON(w, http.StatusOK, profile); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, ERR_MARSHAL, err)
	}
}

// recordAttempt appends to the attempt log. Log failures are reported but
// never fail the biometric operation itself.
func recordAttempt(state *ServerState, kind AttemptKind, email, outcome string, confidence float64) {
	if state.attemptStore == nil {
		return
	}
	record := AttemptRecord{
		Id:         uuid.NewString(),
		Kind:       kind,
		Email:      email,
		Outcome:    outcome,
		Confidence: confidence,
		At:         time.Now().UTC(),
	}
	if err := state.attemptStore.RecordAttempt(record); err != nil {
		slog.Warn("Failed to record attempt", "kind", kind, "outcome", outcome, "error", err)
	}
}

// helpers ------------

func respondWithErr(w http.ResponseWriter, code int, errorCode string, detail string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "error_code", errorCode)
	payload, err := json.Marshal(ErrorResponse{Code: errorCode, Detail: detail})
	if err != nil {
		slog.Error(ERR_MARSHAL, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(payload); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, ErrorInvalidRequest, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	return nil
}
