package core

// Config carries the per-invocation settings the service needs beyond its ports.
type Config struct {
	// Identity is sent as the subscriber id of every request.
	Identity string
	// Aliases map short names to broker node ids.
	Aliases map[string]string
	// DefaultNode selects a broker when no selector is given.
	DefaultNode string
}
