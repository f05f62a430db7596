package checkpoint

import (
	"errors"
	"fmt"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrTruncated        = errors.New("checkpoint truncated")
	ErrSizeMismatch     = errors.New("checkpoint size mismatch")
	ErrBadDivision      = errors.New("dim not divisible by n_heads")
	ErrNonPositive      = errors.New("non-positive config field")
	ErrBadGrouping      = errors.New("invalid kv head grouping")
	ErrOverflow         = errors.New("layout size overflow")
	ErrNotFound         = errors.New("checkpoint not found")
	ErrPermissionDenied = errors.New("checkpoint permission denied")
	ErrMapFailed        = errors.New("checkpoint staging failed")
)

type FormatKind int

const (
	Truncated FormatKind = iota
	SizeMismatch
)

func (k FormatKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case SizeMismatch:
		return "size_mismatch"
	default:
		return fmt.Sprintf("format_kind_%d", int(k))
	}
}

// FormatError reports a checkpoint whose bytes do not match the layout its
// header implies.
type FormatError struct {
	Kind     FormatKind
	Path     string
	Expected int64
	Actual   int64
}

func (e *FormatError) Error() string {
	switch e.Kind {
	case Truncated:
		return fmt.Sprintf("checkpoint %s: header truncated: need %d bytes, got %d", e.Path, e.Expected, e.Actual)
	case SizeMismatch:
		return fmt.Sprintf("checkpoint %s: file size %d, layout expects %d (diff %+d)", e.Path, e.Actual, e.Expected, e.Actual-e.Expected)
	default:
		return fmt.Sprintf("checkpoint %s: %s", e.Path, e.Kind)
	}
}

func (e *FormatError) Is(target error) bool {
	switch e.Kind {
	case Truncated:
		return target == ErrTruncated
	case SizeMismatch:
		return target == ErrSizeMismatch
	}
	return false
}

type ConfigKind int

const (
	BadDivision ConfigKind = iota
	NonPositive
	BadGrouping
	Overflow
)

func (k ConfigKind) String() string {
	switch k {
	case BadDivision:
		return "bad_division"
	case NonPositive:
		return "non_positive"
	case BadGrouping:
		return "bad_grouping"
	case Overflow:
		return "overflow"
	default:
		return fmt.Sprintf("config_kind_%d", int(k))
	}
}

// ConfigError reports a decoded header that cannot produce a valid layout.
type ConfigError struct {
	Kind    ConfigKind
	Path    string // empty when the config did not come from a file
	Field   string
	Details string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("invalid config (%s): %s", e.Kind, e.Details)
	if e.Field != "" {
		msg = fmt.Sprintf("invalid config (%s): %s: %s", e.Kind, e.Field, e.Details)
	}
	if e.Path != "" {
		return "checkpoint " + e.Path + ": " + msg
	}
	return msg
}

func (e *ConfigError) Is(target error) bool {
	switch e.Kind {
	case BadDivision:
		return target == ErrBadDivision
	case NonPositive:
		return target == ErrNonPositive
	case BadGrouping:
		return target == ErrBadGrouping
	case Overflow:
		return target == ErrOverflow
	}
	return false
}

type IOKind int

const (
	NotFound IOKind = iota
	PermissionDenied
	MapFailed
)

func (k IOKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case MapFailed:
		return "map_failed"
	default:
		return fmt.Sprintf("io_kind_%d", int(k))
	}
}

// IOError wraps an operating system failure hit while opening, sizing or
// staging a checkpoint.
type IOError struct {
	Kind IOKind
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool {
	switch e.Kind {
	case NotFound:
		return target == ErrNotFound
	case PermissionDenied:
		return target == ErrPermissionDenied
	case MapFailed:
		return target == ErrMapFailed
	}
	return false
}

// ErrorKind returns a short label for err suitable for metric labels and logs.
func ErrorKind(err error) string {
	var fe *FormatError
	var ce *ConfigError
	var ie *IOError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return fe.Kind.String()
	case errors.As(err, &ce):
		return ce.Kind.String()
	case errors.As(err, &ie):
		return ie.Kind.String()
	default:
		return "unknown"
	}
}
