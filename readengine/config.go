package readengine

import "github.com/moosefs/moosefs-sub002/apis"

// Config holds the read-side engine options.
type Config struct {
	ReadaheadLeng    uint64
	ReadaheadTrigger uint64
	IOTryCount       int
	MinLogEntry      int
	ErrorOnLostChunk bool
	ErrorOnNoSpace   bool
}

// DefaultConfig returns the engine defaults from apis.
func DefaultConfig() Config {
	return Config{
		ReadaheadLeng:    apis.DefaultReadaheadLeng,
		ReadaheadTrigger: apis.DefaultReadaheadTrigger,
		IOTryCount:       apis.DefaultIOTryCount,
		MinLogEntry:      apis.DefaultMinLogEntry,
	}
}
