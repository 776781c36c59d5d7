package zabbix

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict reports that a create call was rejected because an entity with
// the same name already exists.
var ErrConflict = errors.New("already exists")

// Zabbix JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32500
)

// APIError is a structured fault returned by the Zabbix API.
type APIError struct {
	Method  string
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("zabbix %s: error %d: %s %s", e.Method, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("zabbix %s: error %d: %s", e.Method, e.Code, e.Message)
}

// Conflict reports whether the fault is a duplicate-name violation. Zabbix
// signals these as invalid params with an "already exists" detail; other
// invalid-params faults (expired sessions among them) are not conflicts.
func (e *APIError) Conflict() bool {
	return e.Code == CodeInvalidParams &&
		strings.Contains(strings.ToLower(e.Data+" "+e.Message), "already exists")
}

// Is makes errors.Is(err, ErrConflict) true for duplicate-name faults.
func (e *APIError) Is(target error) bool {
	return target == ErrConflict && e.Conflict()
}

// IsConflict reports whether err is, or wraps, a duplicate-name fault.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
