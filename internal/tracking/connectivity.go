package tracking

import "sync/atomic"

// ConnectivityFlag is a Connectivity implementation fed by the UI shell's
// connectivity events. It starts online.
type ConnectivityFlag struct {
	offline atomic.Bool
}

func (f *ConnectivityFlag) Online() bool {
	return !f.offline.Load()
}

// SetOnline records the device's network state.
func (f *ConnectivityFlag) SetOnline(online bool) {
	f.offline.Store(!online)
}
