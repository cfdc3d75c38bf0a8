// Package sync exchanges commits and objects with a cloud backend. One
// Engine serves one page: it uploads locally authored commits together with
// the tree nodes and eager values they introduce, downloads remote commits
// from a persisted cursor, and folds divergent heads through the merge
// layer. Sync failures degrade the page's sync status and retry with
// backoff; they never fail a local write.
package sync

import (
	"context"
	"io"
)

// Status is the result code of a cloud operation.
type Status int

const (
	StatusOK Status = iota
	StatusArgumentError
	StatusInternalError
	StatusNetworkError
	StatusNotFound
	StatusParseError
	StatusServerError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusArgumentError:
		return "argument error"
	case StatusInternalError:
		return "internal error"
	case StatusNetworkError:
		return "network error"
	case StatusNotFound:
		return "not found"
	case StatusParseError:
		return "parse error"
	case StatusServerError:
		return "server error"
	default:
		return "unknown status"
	}
}

// Retriable reports whether the operation may succeed on a later attempt.
// Argument and parse errors indicate a protocol mismatch and disable sync
// for the page instead of retrying.
func (s Status) Retriable() bool {
	switch s {
	case StatusNetworkError, StatusServerError, StatusInternalError:
		return true
	default:
		return false
	}
}

// Fatal reports whether the status disables sync for the page.
func (s Status) Fatal() bool {
	return s == StatusArgumentError || s == StatusParseError
}

// Record is one element of the remote commit stream. Cursor is the ordering
// token to persist after applying the record, so an interrupted download
// resumes exactly where it stopped. BatchPosition and BatchSize locate the
// record within the logical change-set it was uploaded in.
type Record struct {
	Commit        []byte
	Cursor        string
	BatchPosition int
	BatchSize     int
}

// Batch is an ordered group of serialized commits uploaded together,
// parents strictly before children. Position and Size describe the slice of
// the logical change-set this batch carries, letting the cloud side detect
// a resumed upload.
type Batch struct {
	Session  string
	Position int
	Size     int
	Commits  [][]byte
}

// Token is an opaque credential handed to object transfer calls.
type Token string

// CloudProvider is the backend contract. Implementations report failures
// through Status codes rather than errors so the engine can apply a uniform
// retry/disable policy.
type CloudProvider interface {
	// Version returns the cloud-side schema marker for the page, adopting
	// local as the marker when the page has none yet.
	Version(ctx context.Context, page, local string) (string, Status)

	// UploadCommits appends a batch to the page's commit log. It returns
	// how many commits of the batch prefix were accepted; commits already
	// known to the cloud count as accepted without being stored twice.
	UploadCommits(ctx context.Context, page string, batch Batch) (int, Status)

	// WatchCommits streams the page's commit log starting after cursor
	// (empty means from the beginning). The channel is closed when the
	// stream is drained or the context is cancelled.
	WatchCommits(ctx context.Context, page, cursor string) (<-chan Record, Status)

	// UploadObject stores object bytes under their digest key. Idempotent.
	UploadObject(ctx context.Context, token Token, key string, data []byte) Status

	// DownloadObject retrieves object bytes by digest key.
	DownloadObject(ctx context.Context, token Token, key string) (io.ReadCloser, int64, Status)
}

// CredentialsProvider supplies the token for object transfers. The engine
// fetches a token once per sync pass.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Token, error)
}

// StaticCredentials returns a fixed token.
type StaticCredentials Token

func (c StaticCredentials) Credentials(context.Context) (Token, error) {
	return Token(c), nil
}
