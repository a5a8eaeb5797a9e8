package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to every configuration layer and environment override.
const (
	maxFileBytes = 4 << 20
	maxNesting   = 64
	maxEnvBytes  = 8192
)

// readConfigFile reads one JSON layer. Relative paths must stay below the
// working directory.
func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("empty config path")
	}
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("config layer %s is not a .json file", path)
	}
	if !filepath.IsAbs(path) {
		if rel := filepath.Clean(path); rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("config layer %s escapes the working directory", path)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config layer %s is not a regular file", path)
	}
	if info.Size() > maxFileBytes {
		return nil, fmt.Errorf("config layer %s is %d bytes, limit %d", path, info.Size(), maxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkNesting(data); err != nil {
		return nil, fmt.Errorf("config layer %s: %w", path, err)
	}
	return data, nil
}

// checkNesting rejects documents nested deeper than maxNesting before they
// are decoded into maps.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxNesting {
				return fmt.Errorf("nesting deeper than %d", maxNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvBytes {
		return fmt.Errorf("%s is %d bytes, limit %d", key, len(value), maxEnvBytes)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}
