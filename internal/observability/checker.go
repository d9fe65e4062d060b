package observability

import "context"

// Checker is a readiness dependency: a database, a broker client, the
// backplane bridge or the gateway itself while it drains.
type Checker interface {
	Name() string
	// Check returns nil when the component can serve traffic. It must honor ctx.
	Check(ctx context.Context) error
}
