package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// Agent event streams (AgentEvent.Stream).
const (
	StreamLifecycle  = "lifecycle"
	StreamAssistant  = "assistant"
	StreamTool       = "tool"
	StreamCompaction = "compaction"
)

// Lifecycle phases (data["phase"] on the lifecycle stream).
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Compaction phases (data["phase"] on the compaction stream).
const (
	CompactionStart = "start"
	CompactionEnd   = "end"
)

// Tool phases (data["phase"] on the tool stream).
const (
	ToolPhaseStart  = "start"
	ToolPhaseResult = "result"
)
