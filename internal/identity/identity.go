// Package identity derives the stable key that names a crashguard pair's
// system-wide locks and channel socket.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxBase keeps socket paths well under the 108 byte sun_path limit
const maxBase = 24

// Identity is identical in the supervisor and guarded processes of one
// application and differs between unrelated executables.
type Identity struct {
	key string
}

// Derive returns a key for the override when non-empty, otherwise a key built
// from the resolved path of the running executable. An override that is
// already a short clean key is used as is; any other override gets a digest
// suffix so that distinct overrides never share a key.
func Derive(override string) (Identity, error) {
	if override != "" {
		clean := sanitize(override)
		if clean == "" {
			return Identity{}, fmt.Errorf("identity %q has no usable characters", override)
		}
		if clean == override && len(clean) <= maxBase {
			return Identity{key: clean}, nil
		}
		return Identity{key: withDigest(clean, override)}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return Identity{}, fmt.Errorf("finding executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return FromPath(exe), nil
}

// FromPath derives the identity for an executable path
func FromPath(path string) Identity {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	base := sanitize(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if base == "" {
		base = "app"
	}
	return Identity{key: withDigest(base, path)}
}

// FromKey restores an identity from a key previously returned by String
func FromKey(key string) (Identity, error) {
	if key == "" || sanitize(key) != key {
		return Identity{}, fmt.Errorf("%q is not an identity key", key)
	}
	return Identity{key: key}, nil
}

// withDigest truncates base and appends 12 hex digits of sha256(src)
func withDigest(base, src string) string {
	if len(base) > maxBase {
		base = strings.TrimRight(base[:maxBase], "-")
	}
	sum := sha256.Sum256([]byte(src))
	return base + "-" + hex.EncodeToString(sum[:])[:12]
}

// String returns the identity key
func (i Identity) String() string { return i.key }

// PrimaryLockName names the lock held by the supervisor for its lifetime
func (i Identity) PrimaryLockName() string { return i.key }

// CrashLockName names the lock held by the guarded instance
func (i Identity) CrashLockName() string { return i.key + ".crash" }

// SocketName names the crash signal channel socket
func (i Identity) SocketName() string { return i.key + ".sock" }

// IsZero reports whether the identity was never derived
func (i Identity) IsZero() bool { return i.key == "" }

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.', r == ' ', r == '/':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
