// Package remote talks to the records service that the engine reconciles
// against.
//
// The service exposes a single records collection with HTTP-shaped CRUD.
// Every call may fail; the gateway reports failures and never retries, so
// the engine alone decides what a failure means for sync state.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/gefbiotag/biotag/internal/schema"
)

// Gateway is the remote records service.
type Gateway interface {
	// CheckConnection reports whether the service is reachable right now.
	CheckConnection(ctx context.Context) bool
	List(ctx context.Context) ([]schema.Record, error)
	Get(ctx context.Context, id string) (schema.Record, error)
	Create(ctx context.Context, rec schema.Record) error
	Update(ctx context.Context, rec schema.Record) error
	Delete(ctx context.Context, id string) error
}

// Operation names used in errors, fakes and metrics.
const (
	OpCheck  = "check"
	OpList   = "list"
	OpGet    = "get"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

var (
	// ErrUnavailable means the service could not be reached or did not
	// answer in time.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrNotFound means the service has no record with the requested id.
	ErrNotFound = errors.New("remote record not found")
)

// Error describes a failed remote call.
type Error struct {
	Op         string
	ID         string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *Error) Error() string {
	target := e.Op
	if e.ID != "" {
		target += " " + e.ID
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the service was unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsNotFound reports whether err means the record does not exist remotely.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var (
	_ Gateway = (*HTTPGateway)(nil)
	_ Gateway = (*Fake)(nil)
)
