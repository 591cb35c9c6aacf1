package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML reads path and decodes it into v. Unknown keys are an error so
// that a typo in a product id key does not silently drop an offering.
func LoadYAML[T any](path string, v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrReadingFile, err)
	}
	return DecodeYAML(bytes.NewReader(data), v)
}

// DecodeYAML decodes a YAML document from r into v.
func DecodeYAML[T any](r io.Reader, v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrDecodingYAML, err)
	}
	return nil
}
