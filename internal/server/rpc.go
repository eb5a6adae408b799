package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/copyleftdev/orchard/internal/optimization"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeRunNotFound    = -32004
	codeRunFinished    = -32009
	codeRateLimited    = -32029
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type runRef struct {
	ID string `json:"run_id" validate:"required,uuid"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	s.limitBody(w, r)
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		if isBodyTooLarge(err) {
			s.respondWithError(w, codeInvalidRequest, "Request body too large", nil)
			return
		}
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	params, err := firstParam(request.Params)
	if err != nil {
		s.respondWithError(w, codeInvalidParams, "Invalid params", request.ID)
		return
	}

	var result interface{}
	switch request.Method {
	case "orchard.start":
		result, err = s.rpcStart(params)
	case "orchard.status":
		result, err = s.rpcStatus(params)
	case "orchard.cancel":
		result, err = s.rpcCancel(params)
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithRunError(w, err, request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// firstParam accepts params as a single object or a positional array whose
// first element is the object.
func firstParam(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return raw, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// rpcStart handles the orchard.start method.
func (s *Server) rpcStart(params json.RawMessage) (interface{}, error) {
	if len(params) == 0 {
		return nil, optimization.InvalidParameterf("orchard.start requires params").WithComponent("server")
	}
	req, err := decodeStart(params)
	if err != nil {
		return nil, err
	}
	return s.startRun(req)
}

func (s *Server) decodeRef(params json.RawMessage) (string, error) {
	var ref runRef
	if len(params) > 0 {
		if err := json.Unmarshal(params, &ref); err != nil {
			return "", optimization.ParseErrorf("invalid params: %v", err).WithComponent("server")
		}
	}
	if err := s.validate.Struct(ref); err != nil {
		return "", optimization.InvalidParameterf("%v", err).WithComponent("server")
	}
	return ref.ID, nil
}

// rpcStatus handles the orchard.status method.
func (s *Server) rpcStatus(params json.RawMessage) (interface{}, error) {
	id, err := s.decodeRef(params)
	if err != nil {
		return nil, err
	}
	return s.status(id)
}

// rpcCancel handles the orchard.cancel method.
func (s *Server) rpcCancel(params json.RawMessage) (interface{}, error) {
	id, err := s.decodeRef(params)
	if err != nil {
		return nil, err
	}
	if err := s.cancel(id); err != nil {
		return nil, err
	}
	return map[string]string{"run_id": id, "status": StatusCancelled}, nil
}

// respondWithRunError maps a run error to its JSON-RPC error code.
func (s *Server) respondWithRunError(w http.ResponseWriter, err error, id interface{}) {
	switch {
	case optimization.IsInputError(err):
		s.respondWithErrorData(w, codeInvalidParams, err.Error(),
			map[string]string{"kind": optimization.KindOf(err)}, id)
	case errors.Is(err, errRunNotFound):
		s.respondWithError(w, codeRunNotFound, err.Error(), id)
	case errors.Is(err, errRunFinished):
		s.respondWithError(w, codeRunFinished, err.Error(), id)
	case errors.Is(err, errRateLimited):
		s.respondWithError(w, codeRateLimited, err.Error(), id)
	default:
		s.respondWithError(w, codeServerError, "Server error", id)
	}
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.respondWithErrorData(w, code, message, nil, id)
}

func (s *Server) respondWithErrorData(w http.ResponseWriter, code int, message string, data interface{}, id interface{}) {
	fields := map[string]interface{}{
		"status":  code,
		"message": message,
	}
	// Only server faults are errors; everything else is the caller's.
	if code == codeServerError {
		s.logger.Error("Request error", fields)
	} else {
		s.logger.Warn("Request error", fields)
	}

	rpcErr := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		rpcErr["data"] = data
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   rpcErr,
		"id":      id,
	})
}
