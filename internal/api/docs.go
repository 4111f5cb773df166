package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/docs"
)

// @Title: List Docs
// @Route: GET /api/docs
// @Description: Names of the bundled operator documents
// @Response: ["api.adoc", "operator.adoc"]
func (s *Service) HandleDocsList(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		s.writeError(w, http.StatusNotFound, "Docs not available")
		return
	}
	names, err := s.docs.ListDocs()
	if err != nil {
		s.log.Error("list docs", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list docs")
		return
	}
	s.writeJSON(w, http.StatusOK, names)
}

// @Title: Get Doc
// @Route: GET /api/docs/{name}
// @Description: One operator document rendered to HTML
// @Response: text/html fragment
func (s *Service) HandleDoc(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		s.writeError(w, http.StatusNotFound, "Docs not available")
		return
	}
	html, err := s.docs.GetDoc(r.Context(), r.PathValue("name"))
	if errors.Is(err, docs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Doc not found")
		return
	}
	if err != nil {
		s.log.Error("render doc", zap.String("name", r.PathValue("name")), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to render doc")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
