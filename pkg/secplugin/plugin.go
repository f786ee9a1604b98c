package secplugin

import "context"

// Plugin is the entrypoint record a loaded plugin exposes to its
// Sandbox. Init, Configure, and Destroy are optional interfaces;
// Execute is mandatory and its absence is a fatal load error.
type Plugin interface {
	// Execute runs one call. args and the returned value cross the
	// sandbox boundary and must be plain data.
	Execute(ctx context.Context, api *Capabilities, args any) (any, error)
}

// Initializer is implemented by plugins that need one-time warm-up
// work performed under the same metering as Execute.
type Initializer interface {
	Init(ctx context.Context, api *Capabilities) error
}

// Configurer is implemented by plugins accepting the Manager's
// configure(id, cfg) call.
type Configurer interface {
	Configure(ctx context.Context, api *Capabilities, cfg map[string]any) error
}

// Destroyer is implemented by plugins needing teardown on unload.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Capabilities bundles the facade instances bound into one Sandbox.
// When a permission was not granted the matching field is backed by a
// denial stub, so plugin code reaching into it observes a
// permission_denied error at the call site rather than a nil-pointer
// fault. Crypto and Time are always bound.
type Capabilities struct {
	FS      FilesystemFacade
	Network NetworkFacade
	Storage StorageFacade
	Events  EventsFacade
	Crypto  CryptoFacade
	Time    TimeFacade
	Log     LogFacade
}

// FilesystemFacade is the permission-gated `fs` capability.
type FilesystemFacade interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) bool
	ListDir(ctx context.Context, path string) ([]string, error)
}

// FetchOptions configures a Network facade fetch call.
type FetchOptions struct {
	Method    string
	Headers   map[string]string
	Body      []byte
	TimeoutMs int64
}

// FetchResult is the plain-data result of a fetch call.
type FetchResult struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Truncated  bool
}

// NetworkFacade is the permission-gated `network` capability.
type NetworkFacade interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error)
}

// StorageFacade is the permission-gated `storage` capability.
type StorageFacade interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// EventHandler receives a copied event payload inside the
// subscriber's own sandbox.
type EventHandler func(ctx context.Context, topic string, payload []byte)

// EventsFacade is the permission-gated `events` capability.
type EventsFacade interface {
	Emit(ctx context.Context, topic string, payload []byte) error
	On(topic string, handler EventHandler) error
}

// CryptoFacade is ungated.
type CryptoFacade interface {
	SHA256(data []byte) []byte
	SHA512(data []byte) []byte
	RandomBytes(n int) ([]byte, error)
	UUIDv4() string
}

// TimeFacade is ungated.
type TimeFacade interface {
	NowMs() int64
	Sleep(ctx context.Context, ms int64) error
}

// LogFacade is ungated. Lines go to the host's structured logger under
// the plugin's id and are surfaced to Manager observers as plugin:log
// events; fields are copied at the boundary.
type LogFacade interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}
