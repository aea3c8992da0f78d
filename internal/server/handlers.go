package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/fault"
	"github.com/michaelbrown/crucible/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code fault.Code, msg string) {
	writeJSON(w, status, map[string]string{"code": string(code), "error": msg})
}

func writeFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	msg := err.Error()
	if code == fault.CodeInternal {
		// Raw internal errors carry process-internal paths.
		msg = "internal error"
	}
	writeError(w, httpStatus(code), code, msg)
}

// httpStatus maps the error taxonomy onto HTTP.
func httpStatus(code fault.Code) int {
	switch code {
	case fault.CodeValidation:
		return http.StatusBadRequest
	case fault.CodeRateLimited:
		return http.StatusTooManyRequests
	case fault.CodeForbidden:
		return http.StatusForbidden
	case fault.CodeToolchain:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Execution handlers ---

type executeRequest struct {
	FileID         string `json:"fileId"`
	UserID         string `json:"userId"`
	Language       string `json:"language"`
	Code           string `json:"code"`
	Stdin          string `json:"stdin"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type executeResponse struct {
	ID          string    `json:"id"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	ExitCode    int       `json:"exitCode"`
	Status      string    `json:"status"`
	Truncated   bool      `json:"truncated"`
	WallTimeMS  int64     `json:"wallTimeMs"`
	MemoryBytes int64     `json:"memoryUsedBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toExecuteResponse(res *executor.Result) executeResponse {
	return executeResponse{
		ID:          res.ID,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ExitCode:    res.ExitCode,
		Status:      string(res.Status),
		Truncated:   res.Truncated,
		WallTimeMS:  res.WallTime.Milliseconds(),
		MemoryBytes: res.MemoryBytes,
		CreatedAt:   res.CreatedAt,
	}
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fault.CodeValidation, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.coord.Submit(r.Context(), executor.Request{
		ProjectID:      projectID,
		FileID:         req.FileID,
		UserID:         req.UserID,
		Language:       req.Language,
		Source:         req.Code,
		Stdin:          req.Stdin,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toExecuteResponse(res))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	execs, err := s.store.ListExecutions(r.Context(), projectID, limit)
	if err != nil {
		s.log.Error("listing executions failed", zap.String("project_id", projectID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fault.CodeInternal, "internal error")
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fault.CodeValidation, "execution not found")
		} else {
			writeError(w, http.StatusInternalServerError, fault.CodeInternal, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.coord.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, fault.CodeOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Language handlers ---

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": s.langs.IDs()})
}
