package session

import "github.com/redgiant-project/rgt/internal/errs"

// ProgressSink receives progress callbacks from a running session, the
// capability set named in §6/§9: on_progress(bytes_done, bytes_total).
// A nil ProgressSink is valid; callbacks are simply skipped.
type ProgressSink interface {
	OnProgress(bytesDone, bytesTotal uint64)
}

// ErrorSink receives error callbacks from a running session: on_error(kind,
// message). A nil ErrorSink is valid.
type ErrorSink interface {
	OnError(kind errs.Kind, message string)
}

// ProgressFunc adapts a plain function to ProgressSink.
type ProgressFunc func(bytesDone, bytesTotal uint64)

func (f ProgressFunc) OnProgress(bytesDone, bytesTotal uint64) { f(bytesDone, bytesTotal) }

// ErrorFunc adapts a plain function to ErrorSink.
type ErrorFunc func(kind errs.Kind, message string)

func (f ErrorFunc) OnError(kind errs.Kind, message string) { f(kind, message) }
