package cmdutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// LoadConfig decodes the YAML file at path into v. A leading ~ in path is
// expanded to the home directory. Unknown fields are rejected.
func LoadConfig(path string, v interface{}) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("invalid config path %q: %w", path, err)
	}
	bb, err := os.ReadFile(expanded)
	if err != nil {
		return err
	}
	return DecodeConfig(bb, v)
}

// DecodeConfig decodes YAML bb into v, rejecting unknown fields. Empty input
// leaves v unchanged.
func DecodeConfig(bb []byte, v interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(bb))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}
