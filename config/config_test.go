package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosefs/moosefs-sub002/apis"
)

func TestDefaultCarriesEngineDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, apis.DefaultReadCacheMB, c.ReadCacheMB)
	assert.Equal(t, apis.DefaultWriteCacheMB, c.WriteCacheMB)
	assert.Equal(t, uint64(apis.DefaultReadaheadLeng), c.ReadaheadLeng)
	assert.Equal(t, uint64(apis.DefaultReadaheadTrigger), c.ReadaheadTrigger)
	assert.Equal(t, apis.DefaultIOTryCount, c.IOTryCnt)
	assert.Equal(t, apis.DefaultMinLogEntry, c.MinLogEntry)
	assert.Equal(t, apis.DefaultLCacheRetention, c.LCacheRetention())
	assert.Zero(t, c.IOTimeout())
}

func TestParsePartialDocumentKeepsDefaults(t *testing.T) {
	c, err := Parse([]byte("write_cache_mb: 256\nio_try_cnt: 5\nerror_on_no_space: true\n"))
	require.NoError(t, err)
	assert.Equal(t, 256, c.WriteCacheMB)
	assert.Equal(t, 5, c.IOTryCnt)
	assert.True(t, c.ErrorOnNoSpace)
	assert.Equal(t, apis.DefaultReadCacheMB, c.ReadCacheMB)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("wirte_cache_mb: 256\n"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mfs.yaml")
	doc := "etcd_endpoints: [\"127.0.0.1:2379\"]\nlcache_retention: 2.5\npreferred_labels: 3\n"
	require.NoError(t, ioutil.WriteFile(path, []byte(doc), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:2379"}, c.EtcdEndpoints)
	assert.Equal(t, 2500*time.Millisecond, c.LCacheRetention())
	assert.Equal(t, uint32(3), c.PreferredLabels)
}

func TestProjections(t *testing.T) {
	c := Default()
	c.IOTryCnt = 7
	rc := c.ReadConfig()
	wc := c.WriteConfig()
	assert.Equal(t, 7, rc.IOTryCount)
	assert.Equal(t, 7, wc.IOTryCount)
	assert.Equal(t, c.WriteCacheMB, wc.CacheMB)
	assert.Equal(t, c.ReadaheadTrigger, rc.ReadaheadTrigger)
}
