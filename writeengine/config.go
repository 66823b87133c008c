package writeengine

import "github.com/moosefs/moosefs-sub002/apis"

// Config holds the write-side engine options.
type Config struct {
	CacheMB          int
	IOTryCount       int
	MinLogEntry      int
	ErrorOnLostChunk bool
	ErrorOnNoSpace   bool
}

// DefaultConfig returns the engine defaults from apis.
func DefaultConfig() Config {
	return Config{
		CacheMB:     apis.DefaultWriteCacheMB,
		IOTryCount:  apis.DefaultIOTryCount,
		MinLogEntry: apis.DefaultMinLogEntry,
	}
}
