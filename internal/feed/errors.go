package feed

import (
	"errors"
	"fmt"
)

// Reason classifies why a fetch failed.
type Reason string

const (
	ReasonNetwork    Reason = "network"
	ReasonHTTPStatus Reason = "http-status"
	ReasonCORS       Reason = "cors"
	ReasonAuth       Reason = "auth"
)

// FetchError is returned for every failed fetch.
type FetchError struct {
	Reason     Reason
	SourceID   string
	StatusCode int // set for http-status and auth failures when known
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.SourceID + ": " + string(e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReasonOf returns the Reason of a FetchError in err's chain, or "".
func ReasonOf(err error) Reason {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
