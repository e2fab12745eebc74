package store

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = eris.New("not found")

// Kind classifies a store-level failure so callers can map it to a distinct
// outward status without inspecting driver error strings themselves.
type Kind int

const (
	KindInternal Kind = iota
	KindIntegrity
	KindTimeout
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindIntegrity:
		return "integrity"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Classify inspects an error chain and returns its failure kind.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}

	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, pgx.ErrNoRows) {
		return KindNotFound
	}

	// Postgres: class 23 covers integrity constraint violations.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "23") {
			return KindIntegrity
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	// modernc sqlite surfaces constraint failures only through the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"),
		strings.Contains(msg, "constraint failed"),
		strings.Contains(msg, "duplicate key"):
		return KindIntegrity
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "i/o timeout"):
		return KindTimeout
	}

	return KindInternal
}

// IsIntegrity reports whether err is an integrity/duplicate-constraint error.
func IsIntegrity(err error) bool { return Classify(err) == KindIntegrity }

// IsTimeout reports whether err is a timeout/connection error.
func IsTimeout(err error) bool { return Classify(err) == KindTimeout }

// IsNotFound reports whether err marks a missing row.
func IsNotFound(err error) bool { return Classify(err) == KindNotFound }
