package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the "error" member of every failed API response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data wraps v as {"data": v}.
func Data(w http.ResponseWriter, status int, v any) {
	JSON(w, status, struct {
		Data any `json:"data"`
	}{v})
}

// JSONError writes {"error": {code, message, details}}.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, struct {
		Error ErrorBody `json:"error"`
	}{ErrorBody{Code: code, Message: message, Details: details}})
}
