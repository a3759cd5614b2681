package protocol

import "errors"

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrMalformedMessage = errors.New("malformed message")
)

// Error codes carried in Response bodies
const (
	CodeHandlerError  = "handler_error"
	CodeNoHandler     = "no_handler"
	CodeBadRequest    = "bad_request"
	CodeEmptyResponse = "empty_response"
	CodeUnauthorized  = "unauthorized"
	CodePanic         = "handler_panic"
)

// Error is the wire representation of a failed request
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewError returns an Error with the given code and message
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// AsError converts any error into its wire form, keeping the code of an
// *Error found in the chain
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeHandlerError, Message: err.Error()}
}
