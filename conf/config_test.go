package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageConfig(t *testing.T) {
	t.Run("默认值合法", func(t *testing.T) {
		cfg := NewStorageConfig()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, uint32(16384), cfg.PageSize)
		assert.Equal(t, 37.5, cfg.LruOldBlocksPct)
	})

	t.Run("从ini加载", func(t *testing.T) {
		content := `[innodb]
datadir = /tmp/xinnodb
page_size = 8192
buffer_pool_size = 2048
log_file_size = 8388608
log_files_in_group = 3
spin_wait_rounds = 50
lru_old_blocks_pct = 30.0
checkpoint_age_max = 4194304
flush_interval = 500ms
doublewrite = true
`
		path := filepath.Join(t.TempDir(), "my.ini")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := NewStorageConfig().Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/xinnodb", cfg.DataDir)
		assert.Equal(t, uint32(8192), cfg.PageSize)
		assert.Equal(t, uint32(2048), cfg.BufferPoolSize)
		assert.Equal(t, uint64(8388608), cfg.LogFileSize)
		assert.Equal(t, 3, cfg.LogFilesInGroup)
		assert.Equal(t, 50, cfg.SpinWaitRounds)
		assert.Equal(t, 30.0, cfg.LruOldBlocksPct)
		assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval)
		assert.True(t, cfg.DoublewriteEnabled)
	})

	t.Run("非法页大小被拒绝", func(t *testing.T) {
		cfg := NewStorageConfig()
		cfg.PageSize = 4096
		assert.Error(t, cfg.Validate())
	})

	t.Run("日志文件路径", func(t *testing.T) {
		cfg := NewStorageConfig()
		cfg.LogDir = "/data/log"
		assert.Equal(t, filepath.Join("/data/log", "ib_logfile1"), cfg.LogFilePath(1))
	})
}
