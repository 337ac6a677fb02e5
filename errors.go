package barecat

import (
	"fmt"
)

// ErrorKind identifies one of the error kinds surfaced to callers (spec §7).
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindAlreadyExists
	KindIsDir
	KindNotDir
	KindDirNotEmpty
	KindBlobTooLarge
	KindShardCapExceeded
	KindInvalidPath
	KindInvalidPattern
	KindCorruptIndex
	KindShardIOError
	KindChecksumMismatch
	KindConcurrentWriter
	KindBorrowOutlivesSession
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindAlreadyExists:
		return "already-exists"
	case KindIsDir:
		return "is-dir"
	case KindNotDir:
		return "not-dir"
	case KindDirNotEmpty:
		return "dir-not-empty"
	case KindBlobTooLarge:
		return "blob-too-large"
	case KindShardCapExceeded:
		return "shard-cap-exceeded"
	case KindInvalidPath:
		return "invalid-path"
	case KindInvalidPattern:
		return "invalid-pattern"
	case KindCorruptIndex:
		return "corrupt-index"
	case KindShardIOError:
		return "shard-io-error"
	case KindChecksumMismatch:
		return "checksum-mismatch"
	case KindConcurrentWriter:
		return "concurrent-writer"
	case KindBorrowOutlivesSession:
		return "borrow-outlives-session"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every public Barecat
// operation whose failure maps to one of the kinds in spec §7.
//
// Callers branch on kind with errors.Is(err, barecat.ErrNotFound), etc. —
// the Err* sentinel values below stand for *kinds*, not individual error
// values, so Is compares Kind rather than identity.
type Error struct {
	Kind ErrorKind
	Path string // path involved, if any
	Err  error  // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("barecat: %s: %s: %v", e.Kind, e.Path, e.Err)
		}
		return fmt.Sprintf("barecat: %s: %s", e.Kind, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("barecat: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("barecat: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) and the other Err* sentinels match
// any *Error carrying the same Kind.
func (e *Error) Is(target error) bool {
	ke, ok := target.(*kindSentinel)
	if !ok {
		return false
	}
	return e.Kind == ke.kind
}

// kindSentinel is the type of the Err* values below: an errors.Is target
// standing for one ErrorKind, e.g.
//
//	if errors.Is(err, barecat.ErrNotFound) { ... }
type kindSentinel struct{ kind ErrorKind }

func (k *kindSentinel) Error() string { return k.kind.String() }

// One sentinel per ErrorKind: callers write errors.Is(err,
// barecat.ErrNotFound) using the Err* values below; the ErrorKind
// constants themselves are not errors.
var (
	ErrNotFound              = &kindSentinel{KindNotFound}
	ErrAlreadyExists         = &kindSentinel{KindAlreadyExists}
	ErrIsDir                 = &kindSentinel{KindIsDir}
	ErrNotDir                = &kindSentinel{KindNotDir}
	ErrDirNotEmpty           = &kindSentinel{KindDirNotEmpty}
	ErrBlobTooLarge          = &kindSentinel{KindBlobTooLarge}
	ErrShardCapExceeded      = &kindSentinel{KindShardCapExceeded}
	ErrInvalidPath           = &kindSentinel{KindInvalidPath}
	ErrInvalidPattern        = &kindSentinel{KindInvalidPattern}
	ErrCorruptIndex          = &kindSentinel{KindCorruptIndex}
	ErrShardIOError          = &kindSentinel{KindShardIOError}
	ErrChecksumMismatch      = &kindSentinel{KindChecksumMismatch}
	ErrConcurrentWriter      = &kindSentinel{KindConcurrentWriter}
	ErrBorrowOutlivesSession = &kindSentinel{KindBorrowOutlivesSession}
)

func newErr(kind ErrorKind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Err: cause}
}
