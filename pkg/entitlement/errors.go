package entitlement

import "errors"

var (
	ErrNotFound      = errors.New("entitlement: record not found")
	ErrInvalidRecord = errors.New("entitlement: invalid record")
	ErrRepository    = errors.New("entitlement: repository failure")
	ErrCache         = errors.New("entitlement: cache failure")
)
