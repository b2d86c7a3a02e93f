package events

// Envelope types produced by the hub itself. Client and addon types
// follow the same domain:entity:action convention.
const (
	// TypeHandlerError carries a HandlerError after a subscriber failed.
	TypeHandlerError = "system:handler:error"

	// TypeConnectionClosed is published when the registry closes a
	// connection. Payload: connectionId, identity, reason.
	TypeConnectionClosed = "system:connection:closed"

	// TypeAddonState is published on every addon state transition.
	// Payload: name, version, from, to, error.
	TypeAddonState = "system:addon:state"
	// TypeAddonFailed is the operator alert for an addon entering Failed.
	TypeAddonFailed = "system:addon:failed"

	// TypeFailoverSwitching is published before drain hooks run.
	TypeFailoverSwitching = "system:failover:switching"
	// TypeFailoverSwitched is published once the new route is active.
	// It is also sent to draining sessions so clients can reconnect.
	TypeFailoverSwitched = "system:failover:switched"

	// TypeJobSubmit asks the hub to enqueue a job with explicit options.
	TypeJobSubmit = "queue:job:submit"
	// TypeJobCancel asks the hub to cancel a job.
	TypeJobCancel = "queue:job:cancel"

	// TypeItemAccepted acknowledges a submission.
	TypeItemAccepted = "queue:item:accepted"
	// TypeItemCompleted reports a job result.
	TypeItemCompleted = "queue:item:completed"
	// TypeItemRetrying reports a failed attempt that will be retried.
	TypeItemRetrying = "queue:item:retrying"
	// TypeItemDeadLettered reports a job that exhausted its retries or
	// failed permanently.
	TypeItemDeadLettered = "queue:item:deadlettered"
	// TypeItemCancelled reports a cancelled job.
	TypeItemCancelled = "queue:item:cancelled"

	// TypeServerError is the error reply sent to a client.
	TypeServerError = "server:error"
	// TypeServerWelcome is the first frame on a new connection.
	TypeServerWelcome = "server:connection:welcome"
	// TypeChannelSubscribed confirms a channel subscription.
	TypeChannelSubscribed = "server:channel:subscribed"
	// TypeChannelUnsubscribed confirms a channel unsubscription.
	TypeChannelUnsubscribed = "server:channel:unsubscribed"
	// TypeHeartbeatPong answers a client heartbeat.
	TypeHeartbeatPong = "server:heartbeat:pong"

	// TypeChannelSubscribe is sent by clients to join a channel.
	TypeChannelSubscribe = "client:channel:subscribe"
	// TypeChannelUnsubscribe is sent by clients to leave a channel.
	TypeChannelUnsubscribe = "client:channel:unsubscribe"
	// TypeHeartbeatPing is the client heartbeat.
	TypeHeartbeatPing = "client:heartbeat:ping"
)

// Source names for envelopes produced by hub components.
const (
	SourceHub      = "hub"
	SourceBus      = "hub.bus"
	SourceRegistry = "hub.registry"
	SourceAddons   = "hub.addons"
	SourceQueue    = "hub.queue"
	SourceFailover = "hub.failover"
	SourceGateway  = "hub.gateway"
	SourceRouter   = "hub.router"
)

// HandlerError is the payload of a system:handler:error envelope.
type HandlerError struct {
	Envelope Envelope `json:"envelope"`
	Error    string   `json:"error"`
	Pattern  string   `json:"pattern"`
}

// ServerError is the payload of a server:error envelope.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
