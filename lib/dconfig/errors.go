package dconfig

import "errors"

var (
	// ErrSchemaLoad means the meta file of a resource could not be loaded.
	ErrSchemaLoad = errors.New("schema load failed")
	// ErrConnectionCreate means a connection could not be created.
	ErrConnectionCreate = errors.New("connection create failed")
	// ErrCacheLoad means a user or global cache could not be read.
	ErrCacheLoad = errors.New("cache load failed")
	// ErrCacheSave means a cache could not be written.
	ErrCacheSave = errors.New("cache save failed")
	// ErrEndpointRegistration means the transport refused the connection object.
	ErrEndpointRegistration = errors.New("endpoint registration failed")
	// ErrInvalidResourcePath means a path is not a meta or override file.
	ErrInvalidResourcePath = errors.New("invalid resource path")
	// ErrUnknownUser means the uid has no system account.
	ErrUnknownUser = errors.New("unknown user")
	// ErrInvalidConfiguration means a setting was rejected.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrServerStopped means the dispatcher is no longer running.
	ErrServerStopped = errors.New("server stopped")
	// ErrInvalidName means an application id, name or subpath cannot name a resource.
	ErrInvalidName = errors.New("invalid resource name")
	// ErrConnectionClosed means the connection was released.
	ErrConnectionClosed = errors.New("connection closed")
)
