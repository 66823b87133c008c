package apis

import "errors"

// ErrorKind classifies a failure the way the master/chunkserver
// protocol does, so callers (the POSIX façade) can map it to an errno
// without string-matching.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindBadFileDescriptor
	KindInvalidArgument
	KindIO
	KindNoSuchDevice // ENXIO: chunk lost
	KindNoSpace
	KindQuota
	KindFileTooBig
	KindReadOnlyFS
)

// engineError is a sticky, classified error. Exported accessors only;
// construct via the New* helpers below.
type engineError struct {
	kind ErrorKind
	msg  string
}

func (e *engineError) Error() string   { return e.msg }
func (e *engineError) Kind() ErrorKind { return e.kind }

// Kind extracts the ErrorKind from any error produced by this module,
// defaulting to KindIO for unrecognized errors (never KindNone, since a
// non-nil error is never "no error").
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ee *engineError
	if errors.As(err, &ee) {
		return ee.kind
	}
	return KindIO
}

func newErr(kind ErrorKind, msg string) error {
	return &engineError{kind: kind, msg: msg}
}

var (
	ErrBadFileDescriptor = newErr(KindBadFileDescriptor, "moosefs: no such file, wrong type, or permission denied")
	ErrInvalidArgument   = newErr(KindInvalidArgument, "moosefs: invalid argument")
	ErrIO                = newErr(KindIO, "moosefs: chunkserver i/o error")
	ErrNoSuchDevice      = newErr(KindNoSuchDevice, "moosefs: chunk lost")
	ErrNoSpace           = newErr(KindNoSpace, "moosefs: no space left")
	ErrQuota             = newErr(KindQuota, "moosefs: quota exceeded")
	ErrFileTooBig        = newErr(KindFileTooBig, "moosefs: offset exceeds maximum file size")
	ErrReadOnlyFS        = newErr(KindReadOnlyFS, "moosefs: read-only file system")
)

// MasterStatus mirrors the subset of master RPC status codes this
// engine must translate.
type MasterStatus int

const (
	StatusOK MasterStatus = iota
	StatusLocked
	StatusEAgain
	StatusENoEnt
	StatusEPerm
	StatusNoChunk
	StatusIndexTooBig
	StatusQuota
	StatusChunkLost
	StatusNoSpace
	StatusNotDone
	StatusEROFS
)

// IsTransient reports whether a master status should be retried with
// the short backoff ladder rather than surfaced immediately.
func (s MasterStatus) IsTransient() bool {
	return s == StatusLocked || s == StatusEAgain
}

// TranslateWrite maps a terminal master status from the write path to
// an ErrorKind-carrying error.
func TranslateWrite(s MasterStatus) error {
	switch s {
	case StatusOK:
		return nil
	case StatusENoEnt:
		return ErrBadFileDescriptor
	case StatusQuota:
		return ErrQuota
	case StatusNoSpace:
		return ErrNoSpace
	case StatusEROFS:
		return ErrReadOnlyFS
	case StatusChunkLost:
		return ErrNoSuchDevice
	default:
		return ErrIO
	}
}

// TranslateRead maps a terminal master/chunkserver status from the
// read path, honoring the two configuration-gated lost-chunk and
// no-space branches.
func TranslateRead(s MasterStatus, failOnLostChunk, failOnNoSpace bool) error {
	switch s {
	case StatusOK:
		return nil
	case StatusENoEnt, StatusEPerm, StatusNoChunk:
		return ErrBadFileDescriptor
	case StatusIndexTooBig:
		return ErrInvalidArgument
	case StatusQuota:
		return ErrQuota
	case StatusChunkLost:
		if failOnLostChunk {
			return ErrNoSuchDevice
		}
		return nil // caller should retry
	case StatusNoSpace:
		if failOnNoSpace {
			return ErrNoSpace
		}
		return nil // caller should retry
	default:
		return ErrIO
	}
}
