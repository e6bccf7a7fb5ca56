//go:build !linux

package observe

func ResidentBytes() (uint64, bool) { return 0, false }
