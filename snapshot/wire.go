package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a snapshot to canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot from CBOR.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &s, nil
}

// MarshalTOML renders a snapshot as a TOML scenario.
func MarshalTOML(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("snapshot: encode toml: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalTOML parses a TOML scenario.
func UnmarshalTOML(data []byte) (*Snapshot, error) {
	var s Snapshot
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("snapshot: unknown key %s", undecoded[0])
	}
	return &s, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadFile reads a snapshot. Files ending in .toml are scenarios; anything
// else is CBOR.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var s *Snapshot
	if isTOML(path) {
		s, err = UnmarshalTOML(data)
	} else {
		s, err = Unmarshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// WriteFile stores a snapshot, choosing the format by extension as LoadFile
// does.
func WriteFile(path string, s *Snapshot) error {
	var data []byte
	var err error
	if isTOML(path) {
		data, err = MarshalTOML(s)
	} else {
		data, err = Marshal(s)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}
