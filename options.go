package mixpanel

import (
	"log/slog"
	"net/http"

	"github.com/trackkit/mixpanel/pkg/config"
	"github.com/trackkit/mixpanel/pkg/flags"
	"github.com/trackkit/mixpanel/pkg/storage"
)

type options struct {
	store         storage.Store
	cfg           *config.Config
	logger        *slog.Logger
	httpClient    *http.Client
	serverURL     string
	optOutDefault bool
	superProps    map[string]any
	flagsDelegate flags.Delegate
	flagsContext  map[string]any
}

// Option configures a Client.
type Option func(*options)

// WithStore sets the storage adapter backing all persisted state. Defaults
// to an in-memory store, which does not survive restarts; production
// deployments should pass a durable adapter such as storage.RedisStore.
func WithStore(s storage.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithConfig sets the runtime configuration. Defaults to compiled-in
// defaults; use config.Load to pick up environment variables.
func WithConfig(c *config.Config) Option {
	return func(o *options) {
		if c != nil {
			o.cfg = c
		}
	}
}

// WithLogger sets the client's logger, passed down to every component.
// Defaults to a discard logger unless logging is enabled in the
// configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHTTPClient sets the HTTP client used for delivery and flag fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithServerURL overrides the ingestion server base URL.
func WithServerURL(u string) Option {
	return func(o *options) { o.serverURL = u }
}

// WithOptOutDefault starts the client opted out of tracking. The persisted
// opt-out flag is set without resetting identity; call OptInTracking to
// resume.
func WithOptOutDefault() Option {
	return func(o *options) { o.optOutDefault = true }
}

// WithSuperProperties registers the given super properties at construction.
func WithSuperProperties(props map[string]any) Option {
	return func(o *options) { o.superProps = props }
}

// WithFlagsDelegate routes all feature-flag operations to a host-provided
// engine instead of the embedded one.
func WithFlagsDelegate(d flags.Delegate) Option {
	return func(o *options) { o.flagsDelegate = d }
}

// WithFlagsContext seeds the evaluation context sent with every embedded
// flag fetch. Ignored when a delegate is set.
func WithFlagsContext(context map[string]any) Option {
	return func(o *options) { o.flagsContext = context }
}
