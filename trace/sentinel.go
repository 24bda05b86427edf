package trace

// SentinelTrace is passed into rwsentinel.NewSentinel via
// rwsentinel.SentinelWithTrace, and contains callbacks which can be triggered
// for specific events during the Sentinel's runtime.
//
// Any callback may be left nil.
type SentinelTrace struct {
	// MasterSwitched is called after a new master pool has been installed.
	MasterSwitched func(SentinelMasterSwitched)

	// ReplicasReconciled is called after a full reconciliation of the replica
	// set actually changed it.
	ReplicasReconciled func(SentinelReplicasReconciled)

	// ReplicasSwept is called after a health check cycle which found at least
	// one replica whose state should change.
	ReplicasSwept func(SentinelReplicasSwept)

	// ListenerDisconnected is called when the subscription to a sentinel's
	// +switch-master channel is lost or couldn't be established.
	ListenerDisconnected func(SentinelListenerDisconnected)
}

// SentinelMasterSwitched is passed into the SentinelTrace.MasterSwitched
// callback.
type SentinelMasterSwitched struct {
	// Sentinel is the address of the sentinel which announced the switch. It is
	// empty for the master installed during discovery.
	Sentinel string

	// OldAddr is empty for the first master installed.
	OldAddr, NewAddr string
}

// SentinelReplicasReconciled is passed into the
// SentinelTrace.ReplicasReconciled callback.
type SentinelReplicasReconciled struct {
	Available, Unavailable []string
	Generation             uint64
}

// SentinelReplicasSwept is passed into the SentinelTrace.ReplicasSwept
// callback.
type SentinelReplicasSwept struct {
	// Demoted were available but failed their ping, Promoted were unavailable
	// but are reachable again.
	Demoted, Promoted []string

	// Stale is true if a reconciliation happened while the health check was
	// running, in which case Demoted and Promoted were not applied.
	Stale bool
}

// SentinelListenerDisconnected is passed into the
// SentinelTrace.ListenerDisconnected callback.
type SentinelListenerDisconnected struct {
	Sentinel string
	Err      error
}
