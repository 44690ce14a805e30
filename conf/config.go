package conf

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// StorageConfig 存储引擎配置，对应配置文件的[innodb]小节
type StorageConfig struct {
	Raw *ini.File

	DataDir string
	LogDir  string

	PageSize        uint32 // 8192或16384
	BufferPoolSize  uint32 // 缓冲池帧数
	LogFileSize     uint64 // 单个日志文件大小(字节)
	LogFilesInGroup int    // 日志文件组中的文件数

	SpinWaitRounds  int     // 自旋次数上限
	LruOldBlocksPct float64 // LRU old区占比，默认37.5
	CheckpointAgeMax uint64 // 允许的最大checkpoint age

	FlushInterval time.Duration // 后台刷新间隔

	// 兼容性标志，本实现不写doublewrite buffer
	DoublewriteEnabled bool
}

// NewStorageConfig 返回带默认值的配置
func NewStorageConfig() *StorageConfig {
	return &StorageConfig{
		Raw:              ini.Empty(),
		DataDir:          "data",
		LogDir:           "data",
		PageSize:         16384,
		BufferPoolSize:   1024,
		LogFileSize:      16 * 1024 * 1024,
		LogFilesInGroup:  2,
		SpinWaitRounds:   30,
		LruOldBlocksPct:  37.5,
		CheckpointAgeMax: 8 * 1024 * 1024,
		FlushInterval:    time.Second,
	}
}

// Load 从ini配置文件加载
func (cfg *StorageConfig) Load(configPath string) (*StorageConfig, error) {
	iniFile, err := ini.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置文件时有异常: %v", err)
	}
	cfg.Raw = iniFile
	if err := cfg.parseInnodbCfg(iniFile.Section("innodb")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *StorageConfig) parseInnodbCfg(section *ini.Section) error {
	if k, err := section.GetKey("datadir"); err == nil {
		cfg.DataDir = k.String()
	}
	if k, err := section.GetKey("log_dir"); err == nil {
		cfg.LogDir = k.String()
	} else {
		cfg.LogDir = cfg.DataDir
	}
	if k, err := section.GetKey("page_size"); err == nil {
		v, _ := k.Uint()
		cfg.PageSize = uint32(v)
	}
	if k, err := section.GetKey("buffer_pool_size"); err == nil {
		v, _ := k.Uint()
		cfg.BufferPoolSize = uint32(v)
	}
	if k, err := section.GetKey("log_file_size"); err == nil {
		v, _ := k.Uint64()
		cfg.LogFileSize = v
	}
	if k, err := section.GetKey("log_files_in_group"); err == nil {
		v, _ := k.Int()
		cfg.LogFilesInGroup = v
	}
	if k, err := section.GetKey("spin_wait_rounds"); err == nil {
		v, _ := k.Int()
		cfg.SpinWaitRounds = v
	}
	if k, err := section.GetKey("lru_old_blocks_pct"); err == nil {
		v, _ := k.Float64()
		cfg.LruOldBlocksPct = v
	}
	if k, err := section.GetKey("checkpoint_age_max"); err == nil {
		v, _ := k.Uint64()
		cfg.CheckpointAgeMax = v
	}
	if k, err := section.GetKey("flush_interval"); err == nil {
		if d, derr := time.ParseDuration(k.String()); derr == nil {
			cfg.FlushInterval = d
		}
	}
	if k, err := section.GetKey("doublewrite"); err == nil {
		v, _ := k.Bool()
		cfg.DoublewriteEnabled = v
	}
	return cfg.Validate()
}

// Validate 校验配置合法性
func (cfg *StorageConfig) Validate() error {
	if cfg.PageSize != 8192 && cfg.PageSize != 16384 {
		return fmt.Errorf("page_size必须为8192或16384, 当前为%d", cfg.PageSize)
	}
	if cfg.BufferPoolSize < 8 {
		return fmt.Errorf("buffer_pool_size过小: %d", cfg.BufferPoolSize)
	}
	if cfg.LogFilesInGroup < 1 {
		return fmt.Errorf("log_files_in_group必须大于0")
	}
	if cfg.LruOldBlocksPct < 5 || cfg.LruOldBlocksPct > 95 {
		return fmt.Errorf("lru_old_blocks_pct超出范围: %f", cfg.LruOldBlocksPct)
	}
	return nil
}

// LogFilePath 第n个日志文件的路径
func (cfg *StorageConfig) LogFilePath(n int) string {
	return filepath.Join(cfg.LogDir, fmt.Sprintf("ib_logfile%d", n))
}
