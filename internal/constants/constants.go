package constants

import "time"

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultLivenessTimeout   = 90 * time.Second
)

const (
	DefaultRequestTimeout         = 30 * time.Second
	DefaultStreamTimeout          = 30 * time.Second
	DefaultStorageLookupTimeout   = 5 * time.Second
	DefaultMaxConcurrentProviders = 64
)

const (
	DefaultNamespace = "default"
)

const (
	DefaultDrainInterval = 50 * time.Millisecond
	DefaultMaxAttempts   = 3
)

const (
	DefaultRetentionWindow     = time.Hour
	DefaultMaxPointsPerSeries  = 1000
	DefaultAggregationInterval = 60 * time.Second
	DefaultReportInterval      = 5 * time.Minute
)

const (
	DefaultMailboxSize = 1024
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	RedisKeyPrefixStorage = "a2a:storage:"
	DefaultMongoDBName    = "a2a"
)

const (
	ShutdownTimeout = 5 * time.Second
)

// Admin API key listing page sizes.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)
