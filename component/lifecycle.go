package component

import (
	"context"
	"time"
)

// LifecycleComponent is a Discoverable the host starts and stops. The host
// calls Initialize once after creation, Start with a context bounding the
// whole run and Stop on shutdown, also for components whose Start failed.
type LifecycleComponent interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// AsLifecycleComponent reports whether comp can be started by the host.
func AsLifecycleComponent(comp Discoverable) (LifecycleComponent, bool) {
	lc, ok := comp.(LifecycleComponent)
	return lc, ok
}
