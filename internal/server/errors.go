// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"net/http"

	"github.com/nishisan-dev/tw-gate/internal/session"
)

// Códigos de erro estáveis da API. Clientes programam contra o error_code;
// o detail é diagnóstico e pode mudar.
const (
	codeSessionNotFound = "session-not-found"
	codeSessionDone     = "session-already-done"
	codeNoSlots         = "no-slots"
	codeContainerError  = "container-error"
	codeInternal        = "internal"
	codeBadRequest      = "bad-request"
)

// errorBody é o corpo de toda resposta de erro da API.
type errorBody struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

// writeError traduz um erro do core para o par (status HTTP, error_code).
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var body errorBody

	var cerr *session.ContainerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
		body = errorBody{Detail: "session not found", ErrorCode: codeSessionNotFound}
	case errors.Is(err, session.ErrSessionDone):
		status = http.StatusConflict
		body = errorBody{Detail: "game already finished; delete the session", ErrorCode: codeSessionDone}
	case errors.Is(err, session.ErrNoSlots):
		status = http.StatusServiceUnavailable
		body = errorBody{Detail: "no free session slots; retry later", ErrorCode: codeNoSlots}
	case errors.As(err, &cerr):
		status = http.StatusInternalServerError
		body = errorBody{Detail: cerr.Error(), ErrorCode: codeContainerError}
	default:
		status = http.StatusInternalServerError
		body = errorBody{Detail: err.Error(), ErrorCode: codeInternal}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// writeBadRequest responde um corpo de request inválido.
func writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Detail: detail, ErrorCode: codeBadRequest})
}
