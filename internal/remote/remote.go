// Package remote defines the contract between the reconciliation engine and a
// calendar backend.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"orgcal/internal/models"
)

// FingerprintProperty is the custom property under which backends store the
// fingerprint of what they were sent.
const FingerprintProperty = "X-ORGCAL-FINGERPRINT"

// Item is one object reported by a backend listing. Fingerprint is empty for
// objects this tool did not create.
type Item struct {
	ID          string
	Fingerprint string
}

// Adapter executes operations against one remote calendar.
type Adapter interface {
	// Name identifies the backend in logs.
	Name() string

	// SupportsRecurrence reports whether the backend expands RRULEs itself.
	SupportsRecurrence() bool

	// List returns every object in the calendar.
	List(ctx context.Context) ([]Item, error)

	// Create uploads a new object. fp is stored alongside it.
	Create(ctx context.Context, occ models.Occurrence, fp string) error

	// Update replaces the object with identifier occ.ID.
	Update(ctx context.Context, occ models.Occurrence, fp string) error

	// Delete removes the object. A missing object yields an error matching ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// ErrNotFound is returned by Delete when the object does not exist.
var ErrNotFound = errors.New("remote object not found")

// Kind classifies a failed remote operation.
type Kind int

const (
	// KindPermanent errors are protocol rejections; retrying will not help.
	KindPermanent Kind = iota
	// KindTransient errors (network, timeouts, 5xx, 429) may be retried.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind   Kind
	Status int // protocol status code, 0 when unknown
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s remote error (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s remote error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(status int, err error) error {
	return &Error{Kind: KindTransient, Status: status, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(status int, err error) error {
	return &Error{Kind: KindPermanent, Status: status, Err: err}
}

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 408, status == 425, status == 429, status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// IsTransient reports whether err may succeed on retry. Unclassified network
// timeouts and deadline expiry of a single attempt count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// FromStatus wraps err with the kind ClassifyStatus assigns to status.
func FromStatus(status int, err error) error {
	return &Error{Kind: ClassifyStatus(status), Status: status, Err: err}
}
