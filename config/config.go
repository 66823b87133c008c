// Package config loads the engine's option set from a YAML file, in
// the same flat-struct-plus-defaults shape the rest of the module's
// constructors use. Every knob named in the engine design is surfaced
// here; omitted fields fall back to the defaults in apis.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/readengine"
	"github.com/moosefs/moosefs-sub002/writeengine"
)

// Configuration is the full engine option set.
type Configuration struct {
	// Master discovery: etcd endpoints the client resolves the active
	// master address through.
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	ReadCacheMB  int `yaml:"read_cache_mb"`
	WriteCacheMB int `yaml:"write_cache_mb"`

	ReadaheadLeng    uint64 `yaml:"readahead_leng"`
	ReadaheadTrigger uint64 `yaml:"readahead_trigger"`

	IOTryCnt int `yaml:"io_try_cnt"`

	// IOTimeoutSec is the optional whole-operation timeout, in seconds
	// (0 disables it).
	IOTimeoutSec float64 `yaml:"io_timeout"`

	MinLogEntry int `yaml:"min_log_entry"`

	ErrorOnLostChunk bool `yaml:"error_on_lost_chunk"`
	ErrorOnNoSpace   bool `yaml:"error_on_no_space"`

	// PreferredLabels is a bitmask matched against each chunkserver's
	// label mask when ranking read candidates.
	PreferredLabels uint32 `yaml:"preferred_labels"`

	// LCacheRetentionSec is the chunk-location cache retention window,
	// in seconds.
	LCacheRetentionSec float64 `yaml:"lcache_retention"`
}

// IOTimeout returns the configured whole-operation timeout (0 = disabled).
func (c Configuration) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutSec * float64(time.Second))
}

// LCacheRetention returns the location-cache retention window.
func (c Configuration) LCacheRetention() time.Duration {
	return time.Duration(c.LCacheRetentionSec * float64(time.Second))
}

// Default returns a Configuration carrying every engine default.
func Default() Configuration {
	return Configuration{
		ReadCacheMB:      apis.DefaultReadCacheMB,
		WriteCacheMB:     apis.DefaultWriteCacheMB,
		ReadaheadLeng:    apis.DefaultReadaheadLeng,
		ReadaheadTrigger: apis.DefaultReadaheadTrigger,
		IOTryCnt:         apis.DefaultIOTryCount,
		MinLogEntry:      apis.DefaultMinLogEntry,

		LCacheRetentionSec: apis.DefaultLCacheRetention.Seconds(),
	}
}

// Load parses path as YAML over the defaults, so a partial file only
// overrides what it names.
func Load(path string) (Configuration, error) {
	c := Default()
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return Configuration{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c.normalized(), nil
}

// Parse is Load for an in-memory document, used by tests and embedders.
func Parse(raw []byte) (Configuration, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return Configuration{}, fmt.Errorf("config: parse: %w", err)
	}
	return c.normalized(), nil
}

func (c Configuration) normalized() Configuration {
	if c.ReadCacheMB <= 0 {
		c.ReadCacheMB = apis.DefaultReadCacheMB
	}
	if c.WriteCacheMB <= 0 {
		c.WriteCacheMB = apis.DefaultWriteCacheMB
	}
	if c.ReadaheadLeng == 0 {
		c.ReadaheadLeng = apis.DefaultReadaheadLeng
	}
	if c.ReadaheadTrigger == 0 {
		c.ReadaheadTrigger = apis.DefaultReadaheadTrigger
	}
	if c.IOTryCnt <= 0 {
		c.IOTryCnt = apis.DefaultIOTryCount
	}
	if c.LCacheRetentionSec <= 0 {
		c.LCacheRetentionSec = apis.DefaultLCacheRetention.Seconds()
	}
	return c
}

// ReadConfig projects the read-engine slice of the option set.
func (c Configuration) ReadConfig() readengine.Config {
	return readengine.Config{
		ReadaheadLeng:    c.ReadaheadLeng,
		ReadaheadTrigger: c.ReadaheadTrigger,
		IOTryCount:       c.IOTryCnt,
		MinLogEntry:      c.MinLogEntry,
		ErrorOnLostChunk: c.ErrorOnLostChunk,
		ErrorOnNoSpace:   c.ErrorOnNoSpace,
	}
}

// WriteConfig projects the write-engine slice of the option set.
func (c Configuration) WriteConfig() writeengine.Config {
	return writeengine.Config{
		CacheMB:          c.WriteCacheMB,
		IOTryCount:       c.IOTryCnt,
		MinLogEntry:      c.MinLogEntry,
		ErrorOnLostChunk: c.ErrorOnLostChunk,
		ErrorOnNoSpace:   c.ErrorOnNoSpace,
	}
}
