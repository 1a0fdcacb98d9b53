package store

import "errors"

var (
	// ErrMetaNotFound means no meta file exists for a configuration id.
	ErrMetaNotFound = errors.New("meta file not found")
	// ErrInvalidMeta means a meta or override document could not be parsed.
	ErrInvalidMeta = errors.New("invalid meta document")
	// ErrInvalidCache means a cache document could not be parsed.
	ErrInvalidCache = errors.New("invalid cache document")
	// ErrUnknownKey means the key is not declared by the meta file.
	ErrUnknownKey = errors.New("unknown key")
	// ErrPermissionDenied means the key is read-only.
	ErrPermissionDenied = errors.New("key is read-only")
	// ErrInvalidPath means a path is not inside any meta or override directory.
	ErrInvalidPath = errors.New("path is not a configuration resource")
	// ErrInvalidID means an application id, name or subpath cannot be mapped
	// onto a file name.
	ErrInvalidID = errors.New("invalid configuration id")
)
