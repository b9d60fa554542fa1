package simulator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danmuck/assetsync/internal/assets"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WriteRequest is the body of an operation write.
type WriteRequest struct {
	Value any `json:"value"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewHandler serves s over HTTP:
//
//	GET  /health
//	GET  /images
//	GET  /images/{id}
//	POST /images/{id}/operations/{operation}
func NewHandler(s *Simulator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/images", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string][]string{"ids": s.IDs()})
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			img, err := s.Fetch(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, img)
		})
		r.Post("/{id}/operations/{operation}", func(w http.ResponseWriter, r *http.Request) {
			var req WriteRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
				return
			}
			if err := s.Apply(r.Context(), chi.URLParam(r, "operation"), chi.URLParam(r, "id"), req.Value); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
	})
	return r
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, assets.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, assets.ErrInvalidValue), errors.Is(err, assets.ErrUnknownOperation):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
