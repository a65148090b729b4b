package upstream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guardpost/guardpost/internal/domain/route"
	"github.com/guardpost/guardpost/internal/domain/upstream"
)

// Open builds the transport for one configured route.
func Open(ctx context.Context, rt *route.Route, logger *slog.Logger) (upstream.Transport, error) {
	switch rt.Transport {
	case route.TransportStdio:
		return NewStdioTransport(rt.Command, rt.Args, logger)
	case route.TransportHTTP:
		return NewHTTPTransport(rt.URL), nil
	case route.TransportSSE:
		return NewSSETransport(ctx, rt.URL, "", logger)
	default:
		return nil, fmt.Errorf("route %q: unknown transport %q", rt.Name, rt.Transport)
	}
}
