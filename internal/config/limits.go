package config

// NetworkRateLimit bounds how fast one plugin's Network facade may
// issue fetch calls, layered on top of the domain allow/block list.
type NetworkRateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"required,gt=0"`
	Burst             int     `yaml:"burst" validate:"required,gt=0"`
}

// DefaultNetworkRateLimit is applied to every plugin's Network facade
// unless a future configuration surface overrides it per-plugin.
func DefaultNetworkRateLimit() NetworkRateLimit {
	return NetworkRateLimit{
		RequestsPerSecond: 5,
		Burst:             10,
	}
}
