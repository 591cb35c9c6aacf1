package catalog

import "errors"

var (
	ErrUnknownProduct   = errors.New("catalog: unknown product")
	ErrFetchFailed      = errors.New("catalog: failed to fetch products")
	ErrInvalidOfferings = errors.New("catalog: invalid offerings")
	ErrInvalidPrice     = errors.New("catalog: invalid price")
	ErrNotLoaded        = errors.New("catalog: products not loaded")
)
