package binder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// DefaultMaxBodySize bounds JSON bodies.
const DefaultMaxBodySize int64 = 1 << 20

// BindJSON decodes an application/json body strictly: unknown fields and
// trailing data are rejected. An empty body is not applicable. maxBytes <= 0
// uses DefaultMaxBodySize.
func BindJSON(maxBytes ...int64) func(r *http.Request, v any) error {
	limit := DefaultMaxBodySize
	if len(maxBytes) > 0 && maxBytes[0] > 0 {
		limit = maxBytes[0]
	}

	return func(r *http.Request, v any) error {
		if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
			return ErrBinderNotApplicable
		}

		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			return fmt.Errorf("%w: expected application/json", ErrUnsupportedMediaType)
		}

		dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, limit))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.Is(err, io.EOF):
				return ErrBinderNotApplicable
			case errors.As(err, &tooLarge):
				return ErrBodyTooLarge
			default:
				return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
			}
		}

		var extra json.RawMessage
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: unexpected data after JSON object", ErrInvalidJSON)
		}
		return nil
	}
}
