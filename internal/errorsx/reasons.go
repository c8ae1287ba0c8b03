package errorsx

// ReasonCode is a short machine-readable error reason. It is also the `code`
// carried by error events sent to voice clients.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDeviceUnavailable ReasonCode = "device_unavailable"
	ReasonChannelClosed     ReasonCode = "channel_closed"

	ReasonEngineConnect ReasonCode = "engine_connection_failed"
	ReasonEngineSend    ReasonCode = "engine_send"
	ReasonEngineClosed  ReasonCode = "engine_closed"

	ReasonBackendCall      ReasonCode = "backend_call_failed"
	ReasonBackendSubscribe ReasonCode = "backend_subscribe_failed"

	ReasonUnknownFunction  ReasonCode = "unknown_function"
	ReasonInvalidArguments ReasonCode = "invalid_arguments"
	ReasonConnectTimeout   ReasonCode = "connect_timeout"
)
