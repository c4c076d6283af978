package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the uniform response shape: data plus optional pagination,
// or an error string, never both.
type envelope struct {
	Data       interface{} `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *string     `json:"error,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data interface{}, pg *Pagination) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data, Pagination: pg})
}

func Error(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &msg})
}
