package httpapi

import (
	"encoding/json"
	"net/http"
)

// problemContentType is the media type for RFC 7807 problem details, per
// spec.md §6: "Errors use problem+json: type, title, status, detail."
const problemContentType = "application/problem+json"

// problem is the wire shape of an error response.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, problemType, title, detail string) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:   problemType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func badRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusBadRequest, "/problems/invalid-body", "the request body was invalid", detail)
}

func notFound(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusNotFound, "/problems/swap-not-found", "swap not found", detail)
}

func internalError(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusInternalServerError, "/problems/internal", "internal error", detail)
}

func notImplemented(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusNotImplemented, "/problems/unsupported-protocol", "unsupported swap protocol", detail)
}
