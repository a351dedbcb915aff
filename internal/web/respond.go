package web

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/example/slot-backfill/internal/engine"
	"github.com/example/slot-backfill/internal/waitlist"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, v any)      { writeJSON(w, http.StatusOK, v) }
func created(w http.ResponseWriter, v any) { writeJSON(w, http.StatusCreated, v) }

func fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// failErr maps engine and waitlist errors onto HTTP statuses.
func failErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, waitlist.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: string(engine.CodeInvalid)})
		return
	case errors.Is(err, waitlist.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: string(engine.CodeNotFound)})
		return
	case errors.Is(err, waitlist.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "duplicate"})
		return
	}

	code := engine.CodeOf(err)
	status := http.StatusInternalServerError
	msg := "internal server error"
	switch code {
	case engine.CodeInvalid:
		status, msg = http.StatusBadRequest, err.Error()
	case engine.CodeNotFound:
		status, msg = http.StatusNotFound, err.Error()
	case engine.CodeFatal:
		status, msg = http.StatusServiceUnavailable, "ledger busy, try again"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(code)})
}

type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// writeTwiML answers a Twilio webhook. An empty message sends no reply text.
func writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(twiml{Message: message})
}
