package cache

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key is an opaque fingerprint identifying a cached file, independent of the
// remote path string used to derive it.
type Key struct {
	hi uint64
	lo uint64
}

// NewKey derives a Key from a remote file's path or name.
func NewKey(name string) Key {
	return Key{
		lo: xxhash.Sum64String(name),
		hi: xxhash.Sum64String(name + "\x00segcache"),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.hi, k.lo)
}

// MarshalJSON renders the Key as its hex string, so admin diagnostics and
// logs show something a person can compare across requests.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses the hex string produced by MarshalJSON.
func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s) != 32 {
		return fmt.Errorf("invalid key string %q", s)
	}
	if _, err := fmt.Sscanf(s[:16], "%016x", &k.hi); err != nil {
		return err
	}
	if _, err := fmt.Sscanf(s[16:], "%016x", &k.lo); err != nil {
		return err
	}
	return nil
}
