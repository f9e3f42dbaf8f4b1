package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/store"
)

type (
	envelope struct {
		Success bool       `json:"success"`
		Data    any        `json:"data,omitempty"`
		Error   *errorBody `json:"error,omitempty"`
	}

	errorBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	}
)

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondErr(w http.ResponseWriter, err error) {
	fe := fault.AsError(err)
	body := &errorBody{Code: string(fe.Kind), Message: fe.Message, Details: fe.Details}
	if body.Message == "" {
		body.Message = fe.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(fe.Kind))
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: body})
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fault.Wrap(fault.KindValidation, err, "malformed request body")
	}
	return nil
}

// pageOptions reads limit and offset query parameters.
func pageOptions(r *http.Request) store.ListOptions {
	var opts store.ListOptions
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Offset = n
		}
	}
	return opts
}
