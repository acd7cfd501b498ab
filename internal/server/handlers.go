package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"dpm-go/internal/dpm"
	"dpm-go/internal/remote"
)

type editRequest struct {
	File string `json:"file"`
	CR   int64  `json:"cr"`
}

type revertRequest struct {
	File string `json:"file"`
	CR   *int64 `json:"cr,omitempty"`
}

type createCRRequest struct {
	Title *string `json:"title,omitempty"`
}

type closeCRRequest struct {
	CR int64 `json:"cr"`
}

type changeRequestResponse struct {
	ID    int64   `json:"id"`
	Title *string `json:"title,omitempty"`
	Open  bool    `json:"open"`
}

type translationEntry struct {
	Filename         string       `json:"filename"`
	State            string       `json:"state"`
	LastMarkedOn     *dpm.Version `json:"last_marked_on,omitempty"`
	OriginalLatest   *dpm.Version `json:"original_latest,omitempty"`
	TranslatedLatest *dpm.Version `json:"translated_latest,omitempty"`
}

type translationStatusResponse struct {
	Files   []translationEntry     `json:"files"`
	Summary dpm.TranslationSummary `json:"summary"`
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rendered, err := s.backend.RenderFile(r.Context(), r.URL.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeRendered(w, rendered)
}

func (s *Server) handleCRFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cr, err := strconv.ParseInt(vars["cr"], 10, 64)
	if err != nil || cr <= 0 {
		s.fail(w, r, &dpm.UsageError{Message: fmt.Sprintf("invalid CR number %q", vars["cr"])})
		return
	}
	rendered, err := s.backend.RenderCRFile(r.Context(), cr, "/"+vars["path"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeRendered(w, rendered)
}

func (s *Server) handleViewSource(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	data, err := s.backend.ViewSource(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.backend.Edit(r.Context(), req.File, req.CR); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.backend.Revert(r.Context(), req.File, req.CR); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req remote.SyncRequest
	if !s.decode(w, r, &req) {
		return
	}
	versions, err := s.backend.Commit(r.Context(), req.Changes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.SyncResponse{Versions: versions})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.backend.Manifest(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	raw := r.URL.Query().Get("version")
	if raw == "" {
		s.fail(w, r, &dpm.UsageError{Message: "version query parameter is required"})
		return
	}
	v, err := dpm.ParseVersion(raw)
	if err != nil {
		s.fail(w, r, &dpm.UsageError{Message: err.Error()})
		return
	}
	data, err := s.backend.ReadAt(r.Context(), p, v)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleCreateCR(w http.ResponseWriter, r *http.Request) {
	var req createCRRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	cr, err := s.backend.CreateCR(r.Context(), req.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, changeRequestResponse{ID: cr.ID, Title: cr.Title, Open: cr.Open})
}

func (s *Server) handleCloseCR(w http.ResponseWriter, r *http.Request) {
	var req closeCRRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.backend.CloseCR(r.Context(), req.CR); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.ClearCache(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTranslationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.TranslationStatus(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := translationStatusResponse{Files: []translationEntry{}, Summary: dpm.Summarize(status)}
	for _, name := range sortedNames(status) {
		td := status[name]
		entry := translationEntry{Filename: name, State: td.State().String()}
		if o, ok := td.(*dpm.Outdated); ok {
			entry.LastMarkedOn = dpm.VersionPtr(o.LastMarkedOn)
			entry.OriginalLatest = dpm.VersionPtr(o.OriginalLatest)
			entry.TranslatedLatest = dpm.VersionPtr(o.TranslatedLatest)
		}
		resp.Files = append(resp.Files, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, r, &dpm.UsageError{Message: fmt.Sprintf("decoding request body: %v", err)})
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, err, status)
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch dpm.ErrorKindOf(err) {
	case dpm.KindNotFound:
		return http.StatusNotFound
	case dpm.KindUsage:
		return http.StatusBadRequest
	case dpm.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, remote.NewErrorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRendered(w http.ResponseWriter, rendered *dpm.Rendered) {
	contentType := "text/html; charset=utf-8"
	if rendered.Static {
		contentType = mime.TypeByExtension(path.Ext(rendered.Filename))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(rendered.Body)
}

func sortedNames(m map[string]dpm.TranslatedDocument) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
