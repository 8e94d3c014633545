package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/inputs"
	"github.com/animus-labs/omicsflow/internal/platform/auditlog"
	"github.com/animus-labs/omicsflow/internal/platform/auth"
	"github.com/animus-labs/omicsflow/internal/platform/httpserver"
	"github.com/animus-labs/omicsflow/internal/repo"
	"github.com/animus-labs/omicsflow/internal/resolver"
	"github.com/animus-labs/omicsflow/internal/service/deployment"
	"github.com/animus-labs/omicsflow/internal/service/runs"
	"github.com/animus-labs/omicsflow/internal/validation/bundle"
	"github.com/animus-labs/omicsflow/internal/validation/resources"
)

// tasksFile is read from the root of an uploaded archive when present.
const tasksFile = "resources.yaml"

const contentTypeZip = "application/zip"

type deployerAPI struct {
	logger  *slog.Logger
	manager *deployment.Manager
	runs    *runs.Service
	audit   auditlog.Reader
	maps    *resolver.MapSet
	cfg     engineConfig
}

func newDeployerAPI(logger *slog.Logger, manager *deployment.Manager, runService *runs.Service, audit auditlog.Reader, maps *resolver.MapSet, cfg engineConfig) *deployerAPI {
	return &deployerAPI{
		logger:  logger,
		manager: manager,
		runs:    runService,
		audit:   audit,
		maps:    maps,
		cfg:     cfg,
	}
}

func (api *deployerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /bundles/validate", api.handleValidateBundle)
	mux.HandleFunc("POST /references/resolve", api.handleResolveReferences)

	mux.HandleFunc("POST /workflows/{workflow_id}/versions", api.handleCreateVersion)
	mux.HandleFunc("GET /workflows/{workflow_id}/versions", api.handleListVersions)
	mux.HandleFunc("GET /workflows/{workflow_id}/versions/{version}", api.handleGetVersion)
	mux.HandleFunc("POST /workflows/{workflow_id}/versions/{version}/sync", api.handleSyncVersion)

	mux.HandleFunc("POST /runs", api.handleStartRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/diagnose", api.handleDiagnoseRun)

	mux.HandleFunc("GET /audit/events", api.handleListAuditEvents)
}

type validateBundleRequest struct {
	Entries []domain.BundleEntry `json:"entries"`
}

type validateBundleResponse struct {
	OK     bool          `json:"ok"`
	Report bundle.Report `json:"report"`
}

func (api *deployerAPI) handleValidateBundle(w http.ResponseWriter, r *http.Request) {
	var entries []domain.BundleEntry
	if isZip(r) {
		tree, err := api.readArchive(w, r)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_archive", err.Error())
			return
		}
		entries, err = bundle.ScanFS(tree, bundle.ScanOptions{Entrypoint: r.URL.Query().Get("entrypoint")})
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_archive", err.Error())
			return
		}
	} else {
		var req validateBundleRequest
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		entries = req.Entries
	}

	report, err := bundle.Validate(r.Context(), entries, bundle.Options{MaxBundleBytes: api.cfg.MaxBundleBytes})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, validateBundleResponse{OK: report.OK(), Report: report})
}

type resolveRequest struct {
	Images      []string        `json:"images"`
	Mode        string          `json:"mode,omitempty"`
	RegistryMap json.RawMessage `json:"registry_map,omitempty"`
}

type resolveResponse struct {
	Mode        string                `json:"mode"`
	Resolutions []resolver.Resolution `json:"resolutions"`
}

func (api *deployerAPI) handleResolveReferences(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.Images) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "images_required", "")
		return
	}
	mode := api.cfg.Mode
	if strings.TrimSpace(req.Mode) != "" {
		parsed, err := parseMode(req.Mode)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_mode", err.Error())
			return
		}
		mode = parsed
	}
	set := api.maps
	if len(req.RegistryMap) > 0 {
		loaded, err := resolver.LoadMapSet(req.RegistryMap, api.cfg.Target)
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
		set = loaded
	}
	if set == nil {
		api.writeError(w, r, http.StatusBadRequest, "registry_map_required", "no registry map is configured")
		return
	}

	resolutions, err := set.ResolveAll(r.Context(), req.Images, mode)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			httpserver.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":       "unresolved_reference",
				"request_id":  httpserver.RequestIDFromContext(r.Context()),
				"details":     de.Details,
				"resolutions": resolutions,
			})
			return
		}
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, resolveResponse{Mode: mode.String(), Resolutions: resolutions})
}

type createVersionRequest struct {
	VersionName string                      `json:"version_name"`
	Entries     []domain.BundleEntry        `json:"entries"`
	Tasks       []resources.TaskDeclaration `json:"tasks,omitempty"`
	Defaults    *resources.Defaults         `json:"defaults,omitempty"`
}

type versionResponse struct {
	Version           domain.WorkflowVersion  `json:"version"`
	Preparation       *deployment.Preparation `json:"preparation,omitempty"`
	DefaultsApplied   []resources.Change      `json:"defaults_applied,omitempty"`
	RegistrationError string                  `json:"registration_error,omitempty"`
}

// handleCreateVersion accepts either a JSON description of the bundle or the
// definition tree itself as a zip archive. Only archives can be staged and
// registered with the workflow service.
func (api *deployerAPI) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	sub := deployment.Submission{WorkflowID: r.PathValue("workflow_id")}
	var doc resources.TasksDocument
	if isZip(r) {
		tree, err := api.readArchive(w, r)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_archive", err.Error())
			return
		}
		sub.VersionName = r.URL.Query().Get("version")
		sub.Source = tree
		sub.Entries, err = bundle.ScanFS(tree, bundle.ScanOptions{Entrypoint: r.URL.Query().Get("entrypoint")})
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_archive", err.Error())
			return
		}
		raw, err := fs.ReadFile(tree, tasksFile)
		switch {
		case err == nil:
			doc, err = resources.LoadTasksDocument(raw)
			if err != nil {
				api.writeDomainError(w, r, err)
				return
			}
		case !errors.Is(err, fs.ErrNotExist):
			api.writeError(w, r, http.StatusBadRequest, "invalid_archive", err.Error())
			return
		}
	} else {
		var req createVersionRequest
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		sub.VersionName = req.VersionName
		sub.Entries = req.Entries
		doc = resources.TasksDocument{Tasks: req.Tasks, Defaults: req.Defaults}
	}

	tasks, err := doc.Specs()
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	var changes []resources.Change
	if doc.Defaults != nil {
		tasks, changes, err = resources.ApplyDefaults(tasks, *doc.Defaults)
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
	}
	sub.Tasks = tasks

	info := deploymentAuditInfo(r)
	version, prep, err := api.manager.CreateVersion(r.Context(), info, sub)
	if err != nil {
		if errors.Is(err, domain.ErrValidationFailed) {
			api.writeValidationFailure(w, r, err, &prep)
			return
		}
		api.writeDomainError(w, r, err)
		return
	}

	resp := versionResponse{Version: version, Preparation: &prep, DefaultsApplied: changes}
	if sub.Source != nil && api.manager.CanRegister() {
		registered, err := api.manager.Register(r.Context(), info, version, sub, prep)
		resp.Version = registered
		if err != nil {
			api.logger.Warn("version registration failed", "workflow_id", version.WorkflowID, "version", version.VersionName, "error", err)
			resp.RegistrationError = err.Error()
		}
	}
	httpserver.WriteJSON(w, http.StatusCreated, resp)
}

func (api *deployerAPI) handleListVersions(w http.ResponseWriter, r *http.Request) {
	filter := repo.VersionFilter{WorkflowID: r.PathValue("workflow_id")}
	if raw := r.URL.Query().Get("state"); raw != "" {
		filter.State = domain.NormalizeVersionState(raw)
		if filter.State == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state", raw)
			return
		}
	}
	limit, err := parseLimit(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	filter.Limit = limit

	versions, err := api.manager.List(r.Context(), filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (api *deployerAPI) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := api.manager.Get(r.Context(), versionKey(r))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, versionResponse{Version: version})
}

func (api *deployerAPI) handleSyncVersion(w http.ResponseWriter, r *http.Request) {
	version, err := api.manager.Sync(r.Context(), deploymentAuditInfo(r), versionKey(r))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, versionResponse{Version: version})
}

type startRunRequest struct {
	runs.StartRequest
	// ParametersDocument is a YAML or JSON parameter document used instead
	// of Parameters.
	ParametersDocument string `json:"parameters_document,omitempty"`
}

func (api *deployerAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if api.runs == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "service_not_configured", "")
		return
	}
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.ParametersDocument != "" {
		if len(req.Parameters) > 0 {
			api.writeError(w, r, http.StatusBadRequest, "ambiguous_parameters", "send parameters or parameters_document, not both")
			return
		}
		params, err := inputs.Load([]byte(req.ParametersDocument))
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
		req.Parameters = params
	}

	run, err := api.runs.Start(r.Context(), runsAuditInfo(r), req.StartRequest)
	if err != nil {
		if errors.Is(err, domain.ErrValidationFailed) {
			api.writeValidationFailure(w, r, err, nil)
			return
		}
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"run": run})
}

func (api *deployerAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if api.runs == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "service_not_configured", "")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	list, err := api.runs.List(r.Context(), repo.RunFilter{
		WorkflowID:  r.URL.Query().Get("workflow_id"),
		VersionName: r.URL.Query().Get("version"),
		Limit:       limit,
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (api *deployerAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if api.runs == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "service_not_configured", "")
		return
	}
	run, err := api.runs.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (api *deployerAPI) handleDiagnoseRun(w http.ResponseWriter, r *http.Request) {
	if api.runs == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "service_not_configured", "")
		return
	}
	result, err := api.runs.Diagnose(r.Context(), runsAuditInfo(r), r.PathValue("run_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, result)
}

// readArchive buffers a zip upload and exposes it as a file tree.
func (api *deployerAPI) readArchive(w http.ResponseWriter, r *http.Request) (fs.FS, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.cfg.MaxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return zr, nil
}

func isZip(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == contentTypeZip
}

func versionKey(r *http.Request) domain.VersionKey {
	return domain.VersionKey{WorkflowID: r.PathValue("workflow_id"), VersionName: r.PathValue("version")}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return limit, nil
}

func deploymentAuditInfo(r *http.Request) deployment.AuditInfo {
	return deployment.AuditInfo{
		Actor:     auth.Actor(r.Context()),
		RequestID: httpserver.RequestIDFromContext(r.Context()),
		Service:   serviceName,
	}
}

func runsAuditInfo(r *http.Request) runs.AuditInfo {
	return runs.AuditInfo{
		Actor:     auth.Actor(r.Context()),
		RequestID: httpserver.RequestIDFromContext(r.Context()),
		Service:   serviceName,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *deployerAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := map[string]any{
		"error":      code,
		"request_id": httpserver.RequestIDFromContext(r.Context()),
	}
	if message != "" {
		body["message"] = message
	}
	httpserver.WriteJSON(w, status, body)
}

func (api *deployerAPI) writeValidationFailure(w http.ResponseWriter, r *http.Request, err error, prep *deployment.Preparation) {
	body := map[string]any{
		"error":      "validation_failed",
		"request_id": httpserver.RequestIDFromContext(r.Context()),
	}
	var de *domain.Error
	if errors.As(err, &de) {
		body["kind"] = de.Kind
		body["details"] = de.Details
	}
	if prep != nil {
		body["preparation"] = prep
	}
	httpserver.WriteJSON(w, http.StatusUnprocessableEntity, body)
}

// writeDomainError maps the engine's error taxonomy to HTTP responses.
func (api *deployerAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	body := map[string]any{
		"error":      code,
		"request_id": httpserver.RequestIDFromContext(r.Context()),
	}
	var de *domain.Error
	if errors.As(err, &de) {
		body["class"] = string(de.Class)
		body["kind"] = de.Kind
		if len(de.Details) > 0 {
			body["details"] = de.Details
		}
		if de.Field != "" {
			body["field"] = de.Field
		}
	}
	httpserver.WriteJSON(w, status, body)
}

func classifyError(err error) (int, string) {
	var de *domain.Error
	if errors.As(err, &de) && (de.Kind == "RegistrationDisabled" || de.Kind == "SyncDisabled") {
		return http.StatusServiceUnavailable, "service_not_configured"
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateVersion):
		return http.StatusConflict, "duplicate_version"
	case errors.Is(err, domain.ErrInvalidVersionName):
		return http.StatusBadRequest, "invalid_version_name"
	case errors.Is(err, domain.ErrTerminalState):
		return http.StatusConflict, "terminal_state"
	case errors.Is(err, domain.ErrVersionNotActive):
		return http.StatusConflict, "version_not_active"
	case errors.Is(err, domain.ErrRunNotFailed):
		return http.StatusConflict, "run_not_failed"
	case errors.Is(err, domain.ErrAmbiguousMapping):
		return http.StatusUnprocessableEntity, "ambiguous_mapping"
	case errors.Is(err, domain.ErrMalformedDocument):
		return http.StatusUnprocessableEntity, "malformed_document"
	case errors.Is(err, domain.ErrInvalidReference), errors.Is(err, domain.ErrUnresolvedReference):
		return http.StatusUnprocessableEntity, "unresolved_reference"
	case errors.Is(err, domain.ErrValidationFailed):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, domain.ErrServiceRejected):
		return http.StatusBadGateway, "service_rejected"
	case domain.IsTransient(err), errors.Is(err, domain.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	case domain.ClassOf(err) == domain.ClassConfiguration:
		return http.StatusBadRequest, "invalid_configuration"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
