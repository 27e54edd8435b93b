// Package gateway defines the contract with the hosted backend service. The
// optimistic engine only ever talks to the backend through this interface,
// which lets tests script outcomes and lets deployments swap transports.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/cartsync/cartsync/internal/core/models"
)

// Sentinel errors shared by all gateway implementations.
var (
	ErrUnavailable = errors.New("remote gateway is unreachable")
	ErrNotFound    = errors.New("record not found")
)

// Error is a backend rejection carrying a human-readable message and an
// optional machine code.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of a single mutating call: exactly one of Record or
// Err is set. Consumers branch on Failed instead of chaining callbacks.
type Result struct {
	Record *models.Item
	Err    error
}

func Ok(record models.Item) Result {
	return Result{Record: &record}
}

func Fail(err error) Result {
	return Result{Err: err}
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// Gateway performs create/update/delete against the backend and returns the
// authoritative record or an error. ListAll backs full resyncs.
type Gateway interface {
	Create(ctx context.Context, fields models.Fields) Result
	Update(ctx context.Context, id string, patch models.Fields) Result
	Delete(ctx context.Context, id string) Result
	ListAll(ctx context.Context) ([]models.Item, error)
}
