//go:build !unix

package device

const openFlags = 0
