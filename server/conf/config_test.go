package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewCfg().LoadBytes([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, 16384, cfg.PageSize)
	assert.Equal(t, int64(128*sizeMB), cfg.BufferPoolSize)
	assert.Equal(t, 1, cfg.BufferPoolInstances)
	// capped by instance count
	assert.Equal(t, 1, cfg.PageCleaners)
	assert.Equal(t, 2000, cfg.IOCapacityMax)
	assert.Equal(t, ChangeBufferingAll, cfg.ChangeBuffering)
	assert.Equal(t, 8192, cfg.PoolPages())
}

func TestLoadInnodbSection(t *testing.T) {
	data := []byte(`
[innodb]
innodb_data_home_dir = /tmp/bufcore
innodb_buffer_pool_size = 2G
innodb_page_cleaners = 4
innodb_io_capacity = 1500
innodb_max_dirty_pages_pct = 75
innodb_max_dirty_pages_pct_lwm = 80
innodb_change_buffering = Inserts
innodb_log_file_size = 96M
innodb_page_compression = lz4

[logs]
log_level = debug
`)
	cfg, err := NewCfg().LoadBytes(data)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bufcore", cfg.DataHomeDir)
	assert.Equal(t, int64(2*sizeGB), cfg.BufferPoolSize)
	assert.Equal(t, 8, cfg.BufferPoolInstances)
	assert.Equal(t, 4, cfg.PageCleaners)
	assert.Equal(t, 3000, cfg.IOCapacityMax)
	// lwm clamped to max
	assert.Equal(t, 75.0, cfg.MaxDirtyPagesPctLwm)
	assert.Equal(t, ChangeBufferingInserts, cfg.ChangeBuffering)
	assert.Equal(t, int64(96*sizeMB), cfg.LogFileSize)
	assert.Equal(t, CompressionLZ4, cfg.PageCompression)
	assert.Equal(t, "debug", cfg.LogConfig().LogLevel)
	assert.Equal(t, "1500", cfg.GetString("innodb.innodb_io_capacity"))
	assert.Equal(t, 1500, cfg.GetInt("innodb.innodb_io_capacity"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"page size":    "[innodb]\ninnodb_page_size = 12000\n",
		"buffering":    "[innodb]\ninnodb_change_buffering = sometimes\n",
		"compression":  "[innodb]\ninnodb_page_compression = zstd\n",
		"io max":       "[innodb]\ninnodb_io_capacity = 400\ninnodb_io_capacity_max = 300\n",
		"bad size":     "[innodb]\ninnodb_buffer_pool_size = lots\n",
		"ibuf max":     "[innodb]\ninnodb_change_buffer_max_size = 80\n",
		"tiny pool":    "[innodb]\ninnodb_buffer_pool_size = 1M\ninnodb_buffer_pool_instances = 4\n",
		"neighbors":    "[innodb]\ninnodb_flush_neighbors = 5\n",
		"avg loops":    "[innodb]\ninnodb_flushing_avg_loops = 0\n",
		"fast shutdwn": "[innodb]\ninnodb_fast_shutdown = 3\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewCfg().LoadBytes([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestParseSize(t *testing.T) {
	n, err := parseSize("16384")
	require.NoError(t, err)
	assert.Equal(t, int64(16384), n)
	n, err = parseSize("4k")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)
	n, err = parseSize("128 MiB")
	require.NoError(t, err)
	assert.Equal(t, int64(128*sizeMB), n)
}
