//go:build unix

package device

import "syscall"

const openFlags = syscall.O_NOCTTY
