//go:build linux || darwin || freebsd || netbsd || openbsd

package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Lock current and future pages so derived keys never hit swap.
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		// Typically EPERM when RLIMIT_MEMLOCK is too low for an
		// unprivileged process.
		return ProtectionPartial, fmt.Errorf("mlockall failed: %w", err)
	}

	// Disable core dumps; a dump would contain every locked page.
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return ProtectionPartial, fmt.Errorf("failed to disable core dumps: %w", err)
	}

	return ProtectionFull, nil
}

func unlockMemoryPlatform() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("munlockall failed: %w", err)
	}
	return nil
}
