package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

// Toast is a transient message for the client to show
type Toast struct {
	Type    string `json:"type"` // "error", "warning", "success", "info"
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrInvalidAction), errors.Is(err, ErrInvalidInput):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// toastMessage drops the error kind prefix, leaving the user-facing part
func toastMessage(err error) string {
	msg := err.Error()
	for _, kind := range []error{ErrNotFound, ErrConflict, ErrInvalidTarget, ErrInvalidAction, ErrInvalidInput} {
		if errors.Is(err, kind) {
			return strings.TrimPrefix(msg, kind.Error()+": ")
		}
	}
	return msg
}

// sendErrorToast maps an engine error to a status code and a toast body
func sendErrorToast(w http.ResponseWriter, context string, err error) {
	status := statusFor(err)
	toast := Toast{Type: "error", Message: toastMessage(err)}
	if status == http.StatusInternalServerError {
		logError(context, err)
		toast.Message = "Something went wrong"
	} else {
		DebugLog(context, "%v", err)
	}
	writeJSON(w, status, toast)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
