package rfs

import (
	"strconv"
)

// Error is an rfs error code. Error codes are POSIX error codes inverted to
// be negative (i.e., -syscall.ENOENT), which is also how the remote core
// reports failures which carry a status.
//
// The codes used by rfs are re-defined here for cross-platform
// compatibility.
type Error int32

// Common error codes.
const (
	ErrorNotPermitted  = Error(-0x01) // EPERM
	ErrorNotExist      = Error(-0x02) // ENOENT
	ErrorInterrupted   = Error(-0x04) // EINTR
	ErrorIO            = Error(-0x05) // EIO
	ErrorUnavailable   = Error(-0x0b) // EAGAIN
	ErrorNoMemory      = Error(-0x0c) // ENOMEM
	ErrorBusy          = Error(-0x10) // EBUSY
	ErrorExists        = Error(-0x11) // EEXIST
	ErrorNoDevice      = Error(-0x13) // ENODEV
	ErrorNotDirectory  = Error(-0x14) // ENOTDIR
	ErrorIsDirectory   = Error(-0x15) // EISDIR
	ErrorInvalid       = Error(-0x16) // EINVAL
	ErrorFileTooLarge  = Error(-0x1b) // EFBIG
	ErrorNameTooLong   = Error(-0x24) // ENAMETOOLONG
	ErrorUnimplemented = Error(-0x26) // ENOSYS
	ErrorNotEmpty      = Error(-0x27) // ENOTEMPTY
	ErrorAborted       = Error(-0x67) // ECONNABORTED
	ErrorTimedOut      = Error(-0x6e) // ETIMEDOUT
	ErrorStale         = Error(-0x74) // ESTALE
)

// Error description table
var errorDescriptions = map[Error]string{
	ErrorNotPermitted:  "operation not permitted",
	ErrorNotExist:      "no such file or directory",
	ErrorInterrupted:   "interrupted system call",
	ErrorIO:            "input/output error",
	ErrorUnavailable:   "resource temporarily unavailable",
	ErrorNoMemory:      "cannot allocate memory",
	ErrorBusy:          "device or resource busy",
	ErrorExists:        "file exists",
	ErrorNoDevice:      "no such device",
	ErrorNotDirectory:  "not a directory",
	ErrorIsDirectory:   "is a directory",
	ErrorInvalid:       "invalid argument",
	ErrorFileTooLarge:  "file too large",
	ErrorNameTooLong:   "file name too long",
	ErrorUnimplemented: "function not implemented",
	ErrorNotEmpty:      "directory not empty",
	ErrorAborted:       "software caused connection abort",
	ErrorTimedOut:      "connection timed out",
	ErrorStale:         "stale file handle",
}

// Error prints the description of the error.
func (e Error) Error() string {
	desc := errorDescriptions[e]
	if desc != "" {
		return desc
	}
	return "rfs errno " + strconv.Itoa(int(e))
}
