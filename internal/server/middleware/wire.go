package middleware

import "github.com/google/wire"

// ProviderSet provides the middleware constructors that need dependencies.
var ProviderSet = wire.NewSet(
	NewAPIKeyAuthMiddleware,
)
