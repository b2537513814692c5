package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrNotFound = errors.New("cache file not found")

// LoadJSON decodes a JSON document from path into out. A missing file is
// reported as ErrNotFound.
func LoadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(b) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
