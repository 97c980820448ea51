package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCycleInProgress is returned when RunCycle is called while another cycle is active.
	ErrCycleInProgress = errors.New("relay: cycle already in progress")
	// ErrAccountExists is returned by Repository.Insert for a duplicate id.
	ErrAccountExists = errors.New("relay: account already exists")
	// ErrAccountNotFound is returned by repository writes that match no row.
	ErrAccountNotFound = errors.New("relay: account not found")
)

// ErrorKind classifies per-account failures.
type ErrorKind int

const (
	// ErrorKindSource covers network, timeout and malformed-response failures from the Source.
	ErrorKindSource ErrorKind = iota
	// ErrorKindDelivery covers Notifier failures. The watermark still advances.
	ErrorKindDelivery
	// ErrorKindPersistence covers repository write failures for a single account.
	ErrorKindPersistence
)

// String returns the metric label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindSource:
		return "source"
	case ErrorKindDelivery:
		return "delivery"
	case ErrorKindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// AccountError is a failure isolated to one account within a cycle.
type AccountError struct {
	AccountID string
	PostID    string
	Kind      ErrorKind
	Err       error
}

func (e AccountError) Error() string {
	if e.PostID != "" {
		return fmt.Sprintf("%s error for account %s (post %s): %v", e.Kind, e.AccountID, e.PostID, e.Err)
	}
	return fmt.Sprintf("%s error for account %s: %v", e.Kind, e.AccountID, e.Err)
}

func (e AccountError) Unwrap() error { return e.Err }

// MarshalJSON renders the error for the status endpoint.
func (e AccountError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		AccountID string `json:"account_id"`
		PostID    string `json:"post_id,omitempty"`
		Kind      string `json:"kind"`
		Error     string `json:"error"`
	}{e.AccountID, e.PostID, e.Kind.String(), msg})
}
