package coordinator

import (
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/fix"
)

// ForegroundRegistrar binds acquisition to the host's visible lifetime.
type ForegroundRegistrar interface {
	Bind(onConnected, onDisconnected func())
	Unbind()
	PromoteToForegroundNotification(f *fix.Fix)
	DemoteFromForeground()
}

// StandingRequest describes a background subscription. The registrar owns
// running Source with Policy until the token is cancelled.
type StandingRequest struct {
	Owner  string
	Policy backend.Policy
	Source backend.Backend
}

// Delivery is one fix carried by the pending-delivery channel.
type Delivery struct {
	Token string
	Owner string
	Fix   fix.Fix
}

// PendingRegistrar delivers fixes out of band. Subscribe attaches the
// receiving side independently of any registration.
type PendingRegistrar interface {
	RegisterStandingSubscription(req StandingRequest) (token string, err error)
	Cancel(token string)
	Subscribe(owner string, onDelivery func(d Delivery)) error
	Unsubscribe(owner string)
}

type Scheduler interface {
	ScheduleRecurring(minIntervalMinutes int, workIdentifier string, onFire func())
	Cancel(workIdentifier string)
}
