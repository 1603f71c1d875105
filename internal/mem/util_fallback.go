//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package mem

// On platforms without a memory locking syscall the vault still runs, it
// just cannot guarantee key material stays out of swap. memguard's own
// per-buffer protections remain in effect.

func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionNone, nil
}

func unlockMemoryPlatform() error {
	return nil
}
