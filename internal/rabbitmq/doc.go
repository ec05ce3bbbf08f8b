// Package rabbitmq manages the AMQP connection used by the sensorbridge
// AMQP transport.
//
// ConnectionManager dials with a bounded wait, watches the connection and
// redials with exponential backoff when the broker drops it. Channels opened
// before a drop die with the connection; their owners learn about it through
// ConnectionStateListener or through ChannelError on their next use.
package rabbitmq
