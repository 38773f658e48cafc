package esi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Op names the upstream call that failed.
type Op string

const (
	OpAuth              Op = "auth"
	OpNotifications     Op = "notifications"
	OpStructures        Op = "structures"
	OpAffiliation       Op = "affiliation"
	OpCharacter         Op = "character"
	OpUniverseStructure Op = "universe_structure"
	OpPlanet            Op = "planet"
	OpRevoke            Op = "revoke"
)

// Error payloads ESI returns for permission and affiliation problems.
const (
	TextMissingRole      = "Character does not have required role(s)"
	TextNotInCorporation = "Character is not in the corporation"
	TextForbidden        = "Forbidden"
)

// Error is returned by every Client call that fails.
//
// Status is 0 when no HTTP response was received; Err then holds the
// transport error.
type Error struct {
	Op     Op
	Status int
	Text   string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("esi ")
	b.WriteString(string(e.Op))
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status=%d", e.Status)
	}
	if e.Text != "" {
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// AsError unwraps err into an *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// errorText extracts the "error" field of an ESI error body, falling back to
// the raw body and then to "HTTP <status>".
func errorText(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
		return s
	}
	return fmt.Sprintf("HTTP %d", status)
}

func responseError(op Op, resp *http.Response, body []byte) *Error {
	return &Error{Op: op, Status: resp.StatusCode, Text: errorText(resp.StatusCode, body)}
}

func authError(err error) *Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e := &Error{Op: OpAuth, Err: err}
		if re.Response != nil {
			e.Status = re.Response.StatusCode
		}
		switch {
		case re.ErrorDescription != "":
			e.Text = re.ErrorDescription
		case re.ErrorCode != "":
			e.Text = re.ErrorCode
		default:
			e.Text = errorText(e.Status, re.Body)
		}
		return e
	}
	return &Error{Op: OpAuth, Err: err}
}
