package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/beacon-labs/beacon/internal/core"
	"github.com/beacon-labs/beacon/internal/repository"
	"github.com/beacon-labs/beacon/internal/service"
)

const maxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// DecisionRecorder receives decision outcomes for instrumentation. It is
// satisfied by [metrics.Metrics]; a nil recorder disables recording.
type DecisionRecorder interface {
	RecordFlagEvaluation(source string)
	RecordExperimentDecision(eligible bool)
}

// HTTPServer exposes the management and evaluation API over JSON/HTTP.
type HTTPServer struct {
	service  Service
	recorder DecisionRecorder
}

// NewHTTPHandler builds the full API route table.
func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithRecorder(svc, nil)
}

// NewHTTPHandlerWithRecorder builds the route table with decision outcome
// instrumentation attached.
func NewHTTPHandlerWithRecorder(svc Service, recorder DecisionRecorder) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:  svc,
		recorder: recorder,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{key}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{key}", server.handleDeleteFlag)
	mux.HandleFunc("POST /v1/flags/{key}/toggle", server.handleToggleFlag)
	mux.HandleFunc("PUT /v1/flags/{key}/rollout", server.handleUpdateFlagRollout)
	mux.HandleFunc("GET /v1/flags/{key}/versions", server.handleListFlagVersions)

	mux.HandleFunc("POST /v1/experiments", server.handleCreateExperiment)
	mux.HandleFunc("GET /v1/experiments", server.handleListExperiments)
	mux.HandleFunc("GET /v1/experiments/{key}", server.handleGetExperiment)
	mux.HandleFunc("PUT /v1/experiments/{key}", server.handleUpdateExperiment)
	mux.HandleFunc("DELETE /v1/experiments/{key}", server.handleDeleteExperiment)
	mux.HandleFunc("POST /v1/experiments/{key}/status", server.handleUpdateExperimentStatus)
	mux.HandleFunc("PUT /v1/experiments/{key}/allocation", server.handleUpdateExperimentAllocation)
	mux.HandleFunc("GET /v1/experiments/{key}/versions", server.handleListExperimentVersions)

	mux.HandleFunc("POST /v1/evaluate/flag", server.handleEvaluateFlag)
	mux.HandleFunc("POST /v1/evaluate/experiment", server.handleEvaluateExperiment)

	mux.HandleFunc("GET /v1/events", server.handleListDecisionEvents)
	mux.HandleFunc("GET /v1/audit", server.handleListAuditLog)

	mux.HandleFunc("POST /v1/apikeys", server.handleCreateAPIKey)
	mux.HandleFunc("GET /v1/apikeys", server.handleListAPIKeys)
	mux.HandleFunc("DELETE /v1/apikeys/{id}", server.handleRevokeAPIKey)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	return mux
}

type listFlagsJSONResponse struct {
	Flags      []repository.Flag `json:"flags"`
	NextCursor repository.Cursor `json:"next_cursor,omitempty"`
}

type listExperimentsJSONResponse struct {
	Experiments []repository.Experiment `json:"experiments"`
	NextCursor  repository.Cursor       `json:"next_cursor,omitempty"`
}

type toggleJSONRequest struct {
	Enabled bool `json:"enabled"`
}

type statusJSONRequest struct {
	Status core.Status `json:"status"`
}

type allocationJSONRequest struct {
	TrafficAllocation []core.Allocation `json:"traffic_allocation"`
}

type evaluateJSONRequest struct {
	Platform    string           `json:"platform"`
	Environment string           `json:"environment"`
	Key         string           `json:"key"`
	User        core.UserContext `json:"user"`
}

type eventsJSONResponse struct {
	Events []repository.DecisionEvent `json:"events"`
}

type auditJSONResponse struct {
	Entries []repository.AuditLogEntry `json:"entries"`
}

type createAPIKeyJSONRequest struct {
	Platform string `json:"platform"`
}

type apiKeysJSONResponse struct {
	Keys []repository.APIKeyMeta `json:"keys"`
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag repository.Flag
	if err := decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	platform, environment, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}

	flags, next, err := s.service.ListFlags(r.Context(), platform, environment,
		repository.Cursor(r.URL.Query().Get("cursor")), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listFlagsJSONResponse{Flags: flags, NextCursor: next})
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	flag, err := s.service.GetFlag(r.Context(), platform, environment, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))

	var flag repository.Flag
	if err := decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key
	if flag.Version <= 0 {
		writeJSONError(w, http.StatusBadRequest, "version of the edited flag is required")
		return
	}

	updated, err := s.service.UpdateFlag(r.Context(), flag, flag.Version)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteFlag(r.Context(), platform, environment, key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	var request toggleJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.SetFlagEnabled(r.Context(), platform, environment, key, request.Enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleUpdateFlagRollout(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	var rollout core.Rollout
	if err := decodeJSONBody(w, r, &rollout); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateFlagRollout(r.Context(), platform, environment, key, rollout)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleListFlagVersions(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	versions, err := s.service.ListFlagVersions(r.Context(), platform, environment, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listFlagsJSONResponse{Flags: versions})
}

func (s *HTTPServer) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment repository.Experiment
	if err := decodeJSONBody(w, r, &experiment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateExperiment(r.Context(), experiment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	platform, environment, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}

	experiments, next, err := s.service.ListExperiments(r.Context(), platform, environment,
		repository.Cursor(r.URL.Query().Get("cursor")), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listExperimentsJSONResponse{Experiments: experiments, NextCursor: next})
}

func (s *HTTPServer) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	experiment, err := s.service.GetExperiment(r.Context(), platform, environment, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, experiment)
}

func (s *HTTPServer) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))

	var experiment repository.Experiment
	if err := decodeJSONBody(w, r, &experiment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(experiment.Key) != "" && experiment.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	experiment.Key = key
	if experiment.Version <= 0 {
		writeJSONError(w, http.StatusBadRequest, "version of the edited experiment is required")
		return
	}

	updated, err := s.service.UpdateExperiment(r.Context(), experiment, experiment.Version)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteExperiment(r.Context(), platform, environment, key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUpdateExperimentStatus(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	var request statusJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateExperimentStatus(r.Context(), platform, environment, key, request.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleUpdateExperimentAllocation(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	var request allocationJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateExperimentAllocation(r.Context(), platform, environment, key, request.TrafficAllocation)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleListExperimentVersions(w http.ResponseWriter, r *http.Request) {
	platform, environment, key, ok := scopedKey(w, r)
	if !ok {
		return
	}

	versions, err := s.service.ListExperimentVersions(r.Context(), platform, environment, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listExperimentsJSONResponse{Experiments: versions})
}

func (s *HTTPServer) handleEvaluateFlag(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evaluation, err := s.service.EvaluateFlag(r.Context(), request.Platform, request.Environment, request.Key, request.User)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.recorder != nil {
		s.recorder.RecordFlagEvaluation(string(evaluation.Source))
	}

	writeJSON(w, http.StatusOK, evaluation)
}

func (s *HTTPServer) handleEvaluateExperiment(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evaluation, err := s.service.EvaluateExperiment(r.Context(), request.Platform, request.Environment, request.Key, request.User)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.recorder != nil {
		s.recorder.RecordExperimentDecision(evaluation.Eligible)
	}

	writeJSON(w, http.StatusOK, evaluation)
}

func (s *HTTPServer) handleListDecisionEvents(w http.ResponseWriter, r *http.Request) {
	platform, environment, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}

	since, err := parseSinceSeq(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid since sequence number")
		return
	}

	events, err := s.service.ListDecisionEventsSince(r.Context(), platform, environment, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, eventsJSONResponse{Events: events})
}

func (s *HTTPServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	platform, environment, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}

	entries, err := s.service.ListAuditLog(r.Context(), platform, environment, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, auditJSONResponse{Entries: entries})
}

func (s *HTTPServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var request createAPIKeyJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	credential, err := s.service.CreateAPIKey(r.Context(), request.Platform)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, credential)
}

func (s *HTTPServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	platform := strings.TrimSpace(r.URL.Query().Get("platform"))
	if platform == "" {
		writeJSONError(w, http.StatusBadRequest, "platform is required")
		return
	}

	keys, err := s.service.ListAPIKeys(r.Context(), platform)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiKeysJSONResponse{Keys: keys})
}

func (s *HTTPServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	platform := strings.TrimSpace(r.URL.Query().Get("platform"))
	keyID := strings.TrimSpace(r.PathValue("id"))
	if platform == "" || keyID == "" {
		writeJSONError(w, http.StatusBadRequest, "platform and key id are required")
		return
	}

	if err := s.service.RevokeAPIKey(r.Context(), platform, keyID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func scopeFromQuery(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	platform := strings.TrimSpace(r.URL.Query().Get("platform"))
	environment := strings.TrimSpace(r.URL.Query().Get("environment"))
	if platform == "" || environment == "" {
		writeJSONError(w, http.StatusBadRequest, "platform and environment are required")
		return "", "", false
	}

	return platform, environment, true
}

func scopedKey(w http.ResponseWriter, r *http.Request) (string, string, string, bool) {
	platform, environment, ok := scopeFromQuery(w, r)
	if !ok {
		return "", "", "", false
	}

	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return "", "", "", false
	}

	return platform, environment, key, true
}

func queryInt(r *http.Request, name string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}

	return value
}

func parseSinceSeq(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	seq, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.New("invalid sequence number")
	}

	return seq, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, repository.ErrInvalidCursor):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, repository.ErrInvalidCursor),
		errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrInvalidTransition):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON value")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
