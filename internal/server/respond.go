package server

import (
	"encoding/json"
	"net/http"
)

type dataResponse struct {
	Data any `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, dataResponse{Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
