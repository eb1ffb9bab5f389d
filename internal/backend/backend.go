// Package backend defines the bulk lookup capability every search engine
// implements, the typed failures the fallback walk acts on, and the engine
// variants: an in-memory roaring index, Elasticsearch, PostgreSQL and SQLite.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/partsearch/internal/domain"
)

// Engine names.
const (
	NameMemory        = "memory"
	NameElasticsearch = "elasticsearch"
	NamePostgres      = "postgres"
	NameSQLite        = "sqlite"
)

// Backend answers a whole batch of keys in one round trip. Implementations
// are read-only during search and safe for concurrent use.
//
// A successful result may omit keys that matched nothing; callers fill
// those in as not found.
type Backend interface {
	Name() string
	BulkLookup(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Loader is implemented by backends that accept rows from the ingestion
// pipeline. Load replaces the scope's previous rows.
type Loader interface {
	Load(ctx context.Context, scope string, rows []domain.Row) error
}

// ScopeChecker is implemented by backends that keep a scope catalog.
type ScopeChecker interface {
	HasScope(ctx context.Context, scope string) (bool, error)
}

// Failure sentinels. Match with errors.Is.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrTimeout     = errors.New("backend timeout")
	ErrQueryError  = errors.New("backend query error")
)

// Kind classifies a backend failure.
type Kind int

const (
	KindUnavailable Kind = iota + 1
	KindTimeout
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindQuery:
		return "query_error"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindUnavailable:
		return ErrUnavailable
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrQueryError
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind    Kind
	Backend string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Backend, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Kind.sentinel(), e.Err)
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error { return e.Err }

// Unavailable wraps err as a KindUnavailable failure of backend.
func Unavailable(backend string, err error) error {
	return &Error{Kind: KindUnavailable, Backend: backend, Err: err}
}

// Timeout wraps err as a KindTimeout failure of backend.
func Timeout(backend string, err error) error {
	return &Error{Kind: KindTimeout, Backend: backend, Err: err}
}

// QueryFailed wraps err as a KindQuery failure of backend.
func QueryFailed(backend string, err error) error {
	return &Error{Kind: KindQuery, Backend: backend, Err: err}
}

// KindOf returns the failure kind of err. Unclassified errors are treated
// as query errors, context deadline errors as timeouts.
func KindOf(err error) Kind {
	var be *Error
	switch {
	case errors.As(err, &be):
		return be.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindQuery
	}
}

// classifyContext maps a call's failure onto a Kind using the call's own
// context: a deadline or cancellation is a timeout.
func classifyContext(ctx context.Context, backend string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return Timeout(backend, err)
	}
	return nil
}
