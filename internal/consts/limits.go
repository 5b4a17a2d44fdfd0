package consts

import "time"

// Transport limits
const (
	// DefaultMaxMessageSize caps a single inbound RPC frame (search hits and job output chunks fit well below it)
	DefaultMaxMessageSize = 4 * 1024 * 1024
	// DefaultFrameBuffer is the depth of the inbound and outbound frame queues per connection
	DefaultFrameBuffer = 64
	// DefaultMaxInflight bounds concurrently served calls per connection
	DefaultMaxInflight = 32
	// DefaultMaxConnections bounds concurrently attached peers
	DefaultMaxConnections = 256
)

// Search limits
const (
	// DefaultSearchLimit is used when a caller passes a non-positive limit
	DefaultSearchLimit = 20
	// MaxSearchLimit is the largest page a search call returns
	MaxSearchLimit = 100
)

// Timeouts for various operations
const (
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
)

// Keepalive. PingInterval must stay below PongWait.
const (
	DefaultPongWait     = Timeout60Seconds
	DefaultPingInterval = (DefaultPongWait * 9) / 10
	DefaultWriteWait    = Timeout10Seconds
)
