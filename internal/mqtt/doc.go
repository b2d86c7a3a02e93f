// Package mqtt mirrors operator alerts from the event bus to an MQTT
// broker. Dead-lettered jobs, failed addons and failover switches land
// on <prefix>/<instance>/alerts/<type>, so dashboards and pagers can
// follow the hub without holding a WebSocket open.
//
// Connections are managed by paho's [autopaho], which reconnects on its
// own. Each connect publishes "online" to <prefix>/<instance>/availability
// and refreshes the retained status document; the broker publishes the
// will message "offline" there if the hub drops without saying goodbye.
package mqtt
