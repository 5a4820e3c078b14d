package strategy

import "nuha.dev/bestfix/internal/fix"

// Listener is the host-facing notification surface. Calls may come from any
// goroutine.
type Listener interface {
	OnBetterFixAvailable(f fix.Fix)
	OnConnected()
	OnConnectionStatusChanged()
	OnFailure(f Failure)
}
