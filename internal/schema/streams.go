package schema

const (
	StreamHandlerStatus = "handler_status"
	StreamStageOutput   = "stage_output"
	StreamSweeps        = "sweeps"
	StreamErrors        = "errors"
)

// ObserverStreams are the streams the progress websocket serves by default.
var ObserverStreams = []string{
	StreamHandlerStatus,
	StreamStageOutput,
	StreamSweeps,
	StreamErrors,
}

// StreamOrdering returns "fifo" or "lifo" for a given stream.
func StreamOrdering(stream string) string {
	if stream == StreamHandlerStatus || stream == StreamSweeps {
		return "fifo"
	}
	return "lifo"
}
