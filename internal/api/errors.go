package api

import (
	"errors"
	"fmt"
	"net/http"
)

// GenericMessage is shown when the server gave no usable message.
const GenericMessage = "Terjadi kesalahan, silakan coba lagi"

var ErrNotFound = errors.New("not found")

// Error is a non-2xx answer from the API.
type Error struct {
	Status  int
	Message string
	Fields  map[string][]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Message extracts the text a user should see for err.
func Message(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return GenericMessage
}

type errorBody struct {
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Errors  map[string][]string `json:"errors"`
}

func (b errorBody) message() string {
	if b.Message != "" {
		return b.Message
	}
	if b.Error != "" {
		return b.Error
	}
	for _, msgs := range b.Errors {
		if len(msgs) > 0 {
			return msgs[0]
		}
	}
	return ""
}
