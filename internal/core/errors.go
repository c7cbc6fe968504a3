package core

import "errors"

// Error taxonomy shared by the workspace, patch engine, sandboxes, and loop.
// Callers classify with errors.Is; the string kind goes into the run log so
// a failure can be diagnosed after the fact without re-running.
var (
	ErrPathEscape         = errors.New("path escapes workspace root")
	ErrPatchMalformed     = errors.New("malformed patch")
	ErrPatchConflict      = errors.New("patch does not apply")
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	ErrHandleReleased     = errors.New("sandbox handle already released")
	ErrTimeout            = errors.New("timed out")
	ErrModelError         = errors.New("model error")
)

const (
	KindPathEscape         = "path_escape"
	KindPatchMalformed     = "patch_malformed"
	KindPatchConflict      = "patch_conflict"
	KindSandboxUnavailable = "sandbox_unavailable"
	KindHandleReleased     = "handle_released"
	KindTimeout            = "timeout"
	KindModelError         = "model_error"
	KindInternal           = "internal"
)

// ErrorKind maps an error to its stable run-log kind string.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPathEscape):
		return KindPathEscape
	case errors.Is(err, ErrPatchMalformed):
		return KindPatchMalformed
	case errors.Is(err, ErrPatchConflict):
		return KindPatchConflict
	case errors.Is(err, ErrSandboxUnavailable):
		return KindSandboxUnavailable
	case errors.Is(err, ErrHandleReleased):
		return KindHandleReleased
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrModelError):
		return KindModelError
	default:
		return KindInternal
	}
}
