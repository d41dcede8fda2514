package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/micrictor/appwall/internal/firewall"
	"github.com/micrictor/appwall/internal/gate"
	"github.com/micrictor/appwall/internal/rules"
)

var (
	ErrInvalid      = &Error{statusCode: http.StatusBadRequest, Code: ErrCodeInvalid, Msg: "object invalid"}
	ErrDup          = &Error{statusCode: http.StatusConflict, Code: ErrCodeDup, Msg: "object duplicated"}
	ErrNotFound     = &Error{statusCode: http.StatusNotFound, Code: ErrCodeNotFound, Msg: "object not found"}
	ErrState        = &Error{statusCode: http.StatusConflict, Code: ErrCodeState, Msg: "invalid firewall state"}
	ErrAnswered     = &Error{statusCode: http.StatusConflict, Code: ErrCodeAnswered, Msg: "decision already answered"}
	ErrFailed       = &Error{statusCode: http.StatusInternalServerError, Code: ErrCodeFailed, Msg: "operation failed"}
	ErrUnauthorized = &Error{statusCode: http.StatusUnauthorized, Code: ErrCodeUnauthorized, Msg: "unauthorized"}
)

const (
	ErrCodeInvalid      = 40001
	ErrCodeDup          = 40002
	ErrCodeFailed       = 40003
	ErrCodeNotFound     = 40004
	ErrCodeState        = 40005
	ErrCodeAnswered     = 40006
	ErrCodeUnauthorized = 40100
)

// Error is an api error.
type Error struct {
	statusCode int
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func NewError(status, code int, msg string) error {
	return &Error{
		statusCode: status,
		Code:       code,
		Msg:        msg,
	}
}

func (e *Error) Error() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// withDetail copies e with err appended to its message.
func (e *Error) withDetail(err error) *Error {
	return &Error{statusCode: e.statusCode, Code: e.Code, Msg: e.Msg + ": " + err.Error()}
}

// toError maps domain errors onto api errors.
func toError(err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, rules.ErrDuplicateRule):
		return ErrDup.withDetail(err)
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, gate.ErrUnknownDecision):
		return ErrNotFound.withDetail(err)
	case errors.Is(err, rules.ErrInvalidRule):
		return ErrInvalid.withDetail(err)
	case errors.Is(err, firewall.ErrInvalidState):
		return ErrState.withDetail(err)
	case errors.Is(err, gate.ErrAlreadyAnswered):
		return ErrAnswered.withDetail(err)
	}
	return ErrFailed.withDetail(err)
}

func writeError(c *gin.Context, err error) {
	e := toError(err)
	c.AbortWithStatusJSON(getStatusCode(e), e)
}

func getStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if e, ok := err.(*Error); ok {
		if e.statusCode >= http.StatusOK && e.statusCode < 600 {
			return e.statusCode
		}
	}
	return http.StatusInternalServerError
}
