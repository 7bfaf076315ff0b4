package router

import (
	"encoding/json"
	"io"
	"net/http"
)

// Error is an error that knows how to render itself as a response.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

// BadRequest is a 400 JsonError with msg.
func BadRequest(msg string) JsonError {
	return NewJsonError(http.StatusBadRequest, msg)
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}

// Status returns an ErrorMapper that responds with code and the error's text.
func Status(code int) ErrorMapper {
	return func(err error) Error {
		return NewJsonError(code, err.Error())
	}
}
