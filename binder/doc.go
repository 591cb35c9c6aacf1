// Package binder decodes HTTP request bodies into handler request values.
package binder
