package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

var (
	ErrUnauthorized = errors.New("exchange unauthorized")
	ErrRejected     = errors.New("exchange rejected request")
	ErrNotFound     = errors.New("exchange resource not found")
	ErrTransient    = errors.New("exchange transient failure")
)

type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

func apiErrorFromResponse(resp *resty.Response) error {
	body := resp.Body()
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err != nil || (payload.Error == "" && payload.Message == "") {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return &APIError{Status: resp.StatusCode(), Code: payload.Error, Message: payload.Message}
}
