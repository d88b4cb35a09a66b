package web

import (
	"encoding/json"
	"net/http"

	"github.com/and161185/mindharbor/internal/model"
)

type resultBody struct {
	Status   model.Status    `json:"status"`
	Message  string          `json:"message,omitempty"`
	User     *model.Identity `json:"user,omitempty"`
	Redirect string          `json:"redirect,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, resultBody{Status: model.StatusFail, Message: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
