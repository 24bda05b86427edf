package trace

// StaticTrace is passed into static.New via static.WithTrace.
type StaticTrace struct {
	// Rebuilt is called after the static topology has been rebuilt.
	Rebuilt func(StaticRebuilt)
}

// StaticRebuildReason describes what caused a static topology rebuild.
type StaticRebuildReason string

// All possible values of StaticRebuildReason.
const (
	// StaticRebuildReasonInit is the rebuild done when the topology is created.
	StaticRebuildReasonInit StaticRebuildReason = "init"

	// StaticRebuildReasonPing indicates a pool failed its health check ping.
	StaticRebuildReasonPing StaticRebuildReason = "ping"

	// StaticRebuildReasonCount indicates fewer servers than configured were
	// connected during the last rebuild.
	StaticRebuildReasonCount StaticRebuildReason = "count"

	// StaticRebuildReasonManual indicates Rebuild was called directly.
	StaticRebuildReasonManual StaticRebuildReason = "manual"
)

// StaticRebuilt is passed into the StaticTrace.Rebuilt callback.
type StaticRebuilt struct {
	Reason StaticRebuildReason

	// Masters and Replicas are the addresses whose pools were opened.
	Masters, Replicas []string

	// Configured is the number of distinct servers configured.
	Configured int

	Err error
}
