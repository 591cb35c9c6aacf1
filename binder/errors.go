package binder

import "errors"

var (
	// ErrBinderNotApplicable means the request carries nothing for this
	// binder; handler.Wrap skips it.
	ErrBinderNotApplicable  = errors.New("binder: not applicable")
	ErrUnsupportedMediaType = errors.New("binder: unsupported media type")
	ErrInvalidJSON          = errors.New("binder: invalid JSON")
	ErrBodyTooLarge         = errors.New("binder: request body too large")
)
