package conveyor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/conveyor/conveyor/artifacts"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
	"tangled.sh/tangled.sh/conveyor/workflow"
)

const (
	maxBodySize     = 1 << 20
	defaultRunLimit = 10
)

type diagnosticsResponse struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func diagnostics(d workflow.Diagnostics) diagnosticsResponse {
	var out diagnosticsResponse
	for _, e := range d.Errors {
		out.Errors = append(out.Errors, e.String())
	}
	for _, w := range d.Warnings {
		out.Warnings = append(out.Warnings, w.String())
	}
	return out
}

// RegisterPipeline accepts a pipeline as JSON, or as a YAML definition file
// when the request says so.
func (s *Conveyor) RegisterPipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.fail(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	var def models.Pipeline
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		d, err := workflow.FromFile(r.URL.Query().Get("name"), body)
		if err != nil {
			s.fail(w, r, &models.ValidationError{Field: "definition", Reason: err.Error()})
			return
		}
		def, err = d.Pipeline()
		if err != nil {
			s.fail(w, r, err)
			return
		}
	default:
		if err := json.Unmarshal(body, &def); err != nil {
			s.fail(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
	}

	p, err := s.registry.Register(r.Context(), def)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (s *Conveyor) ListPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List(r.Context()))
}

func (s *Conveyor) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Get(r.Context(), chi.URLParam(r, "pipeline"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Conveyor) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "pipeline")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerRun starts a run. The trigger payload in the body is optional.
func (s *Conveyor) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var payload models.TriggerPayload

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.fail(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.fail(w, r, &models.ValidationError{Field: "trigger", Reason: err.Error()})
			return
		}
		if payload.Kind != "" && !payload.Kind.Valid() {
			s.fail(w, r, &models.ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown trigger kind %q", payload.Kind)})
			return
		}
	}

	run, err := s.engine.Trigger(r.Context(), chi.URLParam(r, "pipeline"), payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (s *Conveyor) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, &models.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}

	pipelineId := chi.URLParam(r, "pipeline")
	if _, err := s.registry.Get(r.Context(), pipelineId); err != nil {
		s.fail(w, r, err)
		return
	}

	runs, err := s.engine.ListRuns(r.Context(), pipelineId, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}

	writeJSON(w, http.StatusOK, runs)
}

// ExportPipeline renders the GitHub Actions equivalent of a pipeline.
// Diagnostics travel in a response header so the body stays valid YAML.
func (s *Conveyor) ExportPipeline(w http.ResponseWriter, r *http.Request) {
	gw, diags, err := s.engine.Export(r.Context(), chi.URLParam(r, "pipeline"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out, err := gw.Marshal()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	for _, warning := range diags.Warnings {
		w.Header().Add("X-Conveyor-Warning", warning.String())
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Conveyor) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "run"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Conveyor) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "run"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetArtifact streams an artifact the run declared as collected.
func (s *Conveyor) GetArtifact(w http.ResponseWriter, r *http.Request) {
	runId := chi.URLParam(r, "run")
	artifact := chi.URLParam(r, "*")

	run, err := s.engine.GetRun(r.Context(), runId)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !slices.Contains(run.Artifacts, artifact) {
		s.fail(w, r, &models.NotFoundError{Kind: "artifact", Id: artifact})
		return
	}

	if s.artifacts == nil {
		writeError(w, ApiError{Tag: "NotImplemented", Message: "artifact storage is not configured"}, http.StatusNotImplemented)
		return
	}

	rc, info, err := s.artifacts.Open(r.Context(), runId, artifact)
	if errors.Is(err, artifacts.ErrInvalidPath) {
		s.fail(w, r, &models.ValidationError{Field: "artifact", Reason: err.Error()})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		s.l.Warn("artifact transfer interrupted", "run", runId, "artifact", artifact, "error", err)
	}
}

// Cleanup deletes runs older than the given number of days, defaulting to
// the configured retention.
func (s *Conveyor) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.Pipelines.RetentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, r, &models.ValidationError{Field: "days", Reason: "must be an integer"})
			return
		}
		days = n
	}

	deleted, err := s.engine.Cleanup(r.Context(), days)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// ValidatePipeline compiles a YAML definition without registering it.
func (s *Conveyor) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.fail(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "pipeline.yml"
	}

	var c workflow.Compiler
	c.Compile([]workflow.RawDefinition{{Name: name, Contents: body}})

	status := http.StatusOK
	if c.Diagnostics.IsErr() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, diagnostics(c.Diagnostics))
}
