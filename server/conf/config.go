package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-bufcore/logger"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

const (
	sizeKB = 1024
	sizeMB = 1024 * sizeKB
	sizeGB = 1024 * sizeMB
)

// 变更缓冲模式, 对应 innodb_change_buffering
const (
	ChangeBufferingNone    = "none"
	ChangeBufferingInserts = "inserts"
	ChangeBufferingDeletes = "deletes"
	ChangeBufferingChanges = "changes"
	ChangeBufferingPurges  = "purges"
	ChangeBufferingAll     = "all"
)

// 页面压缩算法, 对应 innodb_page_compression
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

/*
*
[innodb]
innodb_data_home_dir          = data
innodb_buffer_pool_size       = 128M
innodb_buffer_pool_instances  = 8
innodb_page_cleaners          = 4
innodb_io_capacity            = 200
innodb_change_buffering       = all

[logs]
log_error = /var/log/mysql/error.log
log_infos = /var/log/mysql/mysql.log
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// innodb
	DataHomeDir         string  `default:"data" yaml:"innodb_data_home_dir" json:"innodb_data_home_dir,omitempty"`
	PageSize            int     `default:"16384" yaml:"innodb_page_size" json:"innodb_page_size,omitempty"`
	BufferPoolSize      int64   `default:"134217728" yaml:"innodb_buffer_pool_size" json:"innodb_buffer_pool_size,omitempty"`
	BufferPoolInstances int     `default:"8" yaml:"innodb_buffer_pool_instances" json:"innodb_buffer_pool_instances,omitempty"`
	PageCleaners        int     `default:"4" yaml:"innodb_page_cleaners" json:"innodb_page_cleaners,omitempty"`
	IOCapacity          int     `default:"200" yaml:"innodb_io_capacity" json:"innodb_io_capacity,omitempty"`
	IOCapacityMax       int     `default:"2000" yaml:"innodb_io_capacity_max" json:"innodb_io_capacity_max,omitempty"`
	MaxDirtyPagesPct    float64 `default:"90" yaml:"innodb_max_dirty_pages_pct" json:"innodb_max_dirty_pages_pct,omitempty"`
	MaxDirtyPagesPctLwm float64 `default:"10" yaml:"innodb_max_dirty_pages_pct_lwm" json:"innodb_max_dirty_pages_pct_lwm,omitempty"`
	AdaptiveFlushing    bool    `default:"true" yaml:"innodb_adaptive_flushing" json:"innodb_adaptive_flushing,omitempty"`
	AdaptiveFlushingLwm int     `default:"10" yaml:"innodb_adaptive_flushing_lwm" json:"innodb_adaptive_flushing_lwm,omitempty"`
	FlushingAvgLoops    int     `default:"30" yaml:"innodb_flushing_avg_loops" json:"innodb_flushing_avg_loops,omitempty"`
	FlushNeighbors      int     `default:"1" yaml:"innodb_flush_neighbors" json:"innodb_flush_neighbors,omitempty"`
	LRUScanDepth        int     `default:"1024" yaml:"innodb_lru_scan_depth" json:"innodb_lru_scan_depth,omitempty"`
	FlushSync           bool    `default:"true" yaml:"innodb_flush_sync" json:"innodb_flush_sync,omitempty"`
	LRUMinLen           int     `default:"256" yaml:"innodb_lru_min_len" json:"innodb_lru_min_len,omitempty"`

	LogFileSize         int64 `default:"50331648" yaml:"innodb_log_file_size" json:"innodb_log_file_size,omitempty"`
	LogRecentClosedSize int64 `default:"2097152" yaml:"innodb_log_recent_closed_size" json:"innodb_log_recent_closed_size,omitempty"`
	LogBufferSize       int64 `default:"16777216" yaml:"innodb_log_buffer_size" json:"innodb_log_buffer_size,omitempty"`

	ChangeBuffering     string `default:"all" yaml:"innodb_change_buffering" json:"innodb_change_buffering,omitempty"`
	ChangeBufferMaxSize int    `default:"25" yaml:"innodb_change_buffer_max_size" json:"innodb_change_buffer_max_size,omitempty"`

	PageCompression string `default:"none" yaml:"innodb_page_compression" json:"innodb_page_compression,omitempty"`
	FastShutdown    int    `default:"1" yaml:"innodb_fast_shutdown" json:"innodb_fast_shutdown,omitempty"`
	ForceRecovery   int    `default:"0" yaml:"innodb_force_recovery" json:"innodb_force_recovery,omitempty"`

	// logs
	LogError string `default:"/var/log/mysql/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/mysql/mysql.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:                 ini.Empty(),
		DataHomeDir:         "data",
		PageSize:            16384,
		BufferPoolSize:      128 * sizeMB,
		BufferPoolInstances: 1, // 小于1G的缓冲池只用一个实例
		PageCleaners:        4,
		IOCapacity:          200,
		IOCapacityMax:       2000,
		MaxDirtyPagesPct:    90,
		MaxDirtyPagesPctLwm: 10,
		AdaptiveFlushing:    true,
		AdaptiveFlushingLwm: 10,
		FlushingAvgLoops:    30,
		FlushNeighbors:      1,
		LRUScanDepth:        1024,
		FlushSync:           true,
		LRUMinLen:           256,
		LogFileSize:         48 * sizeMB,
		LogRecentClosedSize: 2 * sizeMB,
		LogBufferSize:       16 * sizeMB,
		ChangeBuffering:     ChangeBufferingAll,
		ChangeBufferMaxSize: 25,
		PageCompression:     CompressionNone,
		FastShutdown:        1,
		ForceRecovery:       0,
		LogError:            "/var/log/mysql/error.log",
		LogInfos:            "/var/log/mysql/mysql.log",
		LogLevel:            "info",
	}
}

// Load 从命令行指定的配置文件加载, 文件不存在时使用默认配置
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, err
	}
	return cfg.apply(iniFile)
}

// LoadBytes 从内存中的ini内容加载
func (cfg *Cfg) LoadBytes(data []byte) (*Cfg, error) {
	iniFile, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg.apply(iniFile)
}

func (cfg *Cfg) apply(iniFile *ini.File) (*Cfg, error) {
	cfg.Raw = iniFile
	if err := cfg.parseInnodbCfg(cfg.Raw.Section("innodb")); err != nil {
		return nil, err
	}
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := "conf/my.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", configFile)
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsedFile, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value
}

// parseSize 解析 128M / 2G / 16384 这样的大小, 后缀按1024进位
func parseSize(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, errors.New("empty size")
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		mult = sizeKB
	case 'm', 'M':
		mult = sizeMB
	case 'g', 'G':
		mult = sizeGB
	}
	if mult != 1 {
		n, err := strconv.ParseInt(v[:len(v)-1], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "size %q", value)
		}
		return n * mult, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	// 其余写法如 "128 MiB"
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, errors.Wrapf(err, "size %q", value)
	}
	return int64(n), nil
}

func sizeKey(section *ini.Section, key string, def int64) (int64, error) {
	if !section.HasKey(key) {
		return def, nil
	}
	return parseSize(section.Key(key).String())
}

func (cfg *Cfg) parseInnodbCfg(section *ini.Section) error {
	if section == nil {
		return nil
	}
	var err error

	cfg.DataHomeDir = valueAsString(section, "innodb_data_home_dir", cfg.DataHomeDir)
	cfg.PageSize = section.Key("innodb_page_size").MustInt(cfg.PageSize)

	if cfg.BufferPoolSize, err = sizeKey(section, "innodb_buffer_pool_size", cfg.BufferPoolSize); err != nil {
		return errors.Wrap(err, "innodb_buffer_pool_size")
	}
	if section.HasKey("innodb_buffer_pool_instances") {
		cfg.BufferPoolInstances = section.Key("innodb_buffer_pool_instances").MustInt(cfg.BufferPoolInstances)
	} else if cfg.BufferPoolSize >= sizeGB {
		cfg.BufferPoolInstances = 8
	} else {
		cfg.BufferPoolInstances = 1
	}
	cfg.PageCleaners = section.Key("innodb_page_cleaners").MustInt(cfg.PageCleaners)

	cfg.IOCapacity = section.Key("innodb_io_capacity").MustInt(cfg.IOCapacity)
	if section.HasKey("innodb_io_capacity_max") {
		cfg.IOCapacityMax = section.Key("innodb_io_capacity_max").MustInt(cfg.IOCapacityMax)
	} else if cfg.IOCapacityMax < 2*cfg.IOCapacity {
		cfg.IOCapacityMax = 2 * cfg.IOCapacity
	}

	cfg.MaxDirtyPagesPct = section.Key("innodb_max_dirty_pages_pct").MustFloat64(cfg.MaxDirtyPagesPct)
	cfg.MaxDirtyPagesPctLwm = section.Key("innodb_max_dirty_pages_pct_lwm").MustFloat64(cfg.MaxDirtyPagesPctLwm)
	cfg.AdaptiveFlushing = section.Key("innodb_adaptive_flushing").MustBool(cfg.AdaptiveFlushing)
	cfg.AdaptiveFlushingLwm = section.Key("innodb_adaptive_flushing_lwm").MustInt(cfg.AdaptiveFlushingLwm)
	cfg.FlushingAvgLoops = section.Key("innodb_flushing_avg_loops").MustInt(cfg.FlushingAvgLoops)
	cfg.FlushNeighbors = section.Key("innodb_flush_neighbors").MustInt(cfg.FlushNeighbors)
	cfg.LRUScanDepth = section.Key("innodb_lru_scan_depth").MustInt(cfg.LRUScanDepth)
	cfg.FlushSync = section.Key("innodb_flush_sync").MustBool(cfg.FlushSync)
	cfg.LRUMinLen = section.Key("innodb_lru_min_len").MustInt(cfg.LRUMinLen)

	if cfg.LogFileSize, err = sizeKey(section, "innodb_log_file_size", cfg.LogFileSize); err != nil {
		return errors.Wrap(err, "innodb_log_file_size")
	}
	if cfg.LogRecentClosedSize, err = sizeKey(section, "innodb_log_recent_closed_size", cfg.LogRecentClosedSize); err != nil {
		return errors.Wrap(err, "innodb_log_recent_closed_size")
	}
	if cfg.LogBufferSize, err = sizeKey(section, "innodb_log_buffer_size", cfg.LogBufferSize); err != nil {
		return errors.Wrap(err, "innodb_log_buffer_size")
	}

	cfg.ChangeBuffering = strings.ToLower(valueAsString(section, "innodb_change_buffering", cfg.ChangeBuffering))
	cfg.ChangeBufferMaxSize = section.Key("innodb_change_buffer_max_size").MustInt(cfg.ChangeBufferMaxSize)
	cfg.PageCompression = strings.ToLower(valueAsString(section, "innodb_page_compression", cfg.PageCompression))
	cfg.FastShutdown = section.Key("innodb_fast_shutdown").MustInt(cfg.FastShutdown)
	cfg.ForceRecovery = section.Key("innodb_force_recovery").MustInt(cfg.ForceRecovery)
	return nil
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	if section == nil {
		return
	}
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogLevel = valueAsString(section, "log_level", cfg.LogLevel)
}

// Validate 校验并修正相互依赖的配置项
func (cfg *Cfg) Validate() error {
	switch cfg.PageSize {
	case 4096, 8192, 16384, 32768, 65536:
	default:
		return fmt.Errorf("innodb_page_size %d is not a power of two between 4K and 64K", cfg.PageSize)
	}
	if cfg.BufferPoolInstances < 1 || cfg.BufferPoolInstances > 64 {
		return fmt.Errorf("innodb_buffer_pool_instances %d out of range [1, 64]", cfg.BufferPoolInstances)
	}
	if cfg.BufferPoolSize < int64(cfg.BufferPoolInstances)*int64(cfg.PageSize)*64 {
		return fmt.Errorf("innodb_buffer_pool_size %s too small for %d instances",
			humanize.IBytes(uint64(cfg.BufferPoolSize)), cfg.BufferPoolInstances)
	}
	if cfg.PageCleaners < 1 {
		cfg.PageCleaners = 1
	}
	if cfg.PageCleaners > cfg.BufferPoolInstances {
		cfg.PageCleaners = cfg.BufferPoolInstances
	}
	if cfg.IOCapacity < 100 {
		return fmt.Errorf("innodb_io_capacity %d below minimum 100", cfg.IOCapacity)
	}
	if cfg.IOCapacityMax < cfg.IOCapacity {
		return fmt.Errorf("innodb_io_capacity_max %d lower than innodb_io_capacity %d", cfg.IOCapacityMax, cfg.IOCapacity)
	}
	if cfg.MaxDirtyPagesPct < 0 || cfg.MaxDirtyPagesPct > 99.999 {
		return fmt.Errorf("innodb_max_dirty_pages_pct %.3f out of range", cfg.MaxDirtyPagesPct)
	}
	if cfg.MaxDirtyPagesPctLwm > cfg.MaxDirtyPagesPct {
		logger.Warnf("innodb_max_dirty_pages_pct_lwm cannot be set higher than innodb_max_dirty_pages_pct, setting to %.3f", cfg.MaxDirtyPagesPct)
		cfg.MaxDirtyPagesPctLwm = cfg.MaxDirtyPagesPct
	}
	if cfg.AdaptiveFlushingLwm < 0 || cfg.AdaptiveFlushingLwm > 70 {
		return fmt.Errorf("innodb_adaptive_flushing_lwm %d out of range [0, 70]", cfg.AdaptiveFlushingLwm)
	}
	if cfg.FlushingAvgLoops < 1 || cfg.FlushingAvgLoops > 1000 {
		return fmt.Errorf("innodb_flushing_avg_loops %d out of range [1, 1000]", cfg.FlushingAvgLoops)
	}
	if cfg.FlushNeighbors < 0 || cfg.FlushNeighbors > 2 {
		return fmt.Errorf("innodb_flush_neighbors %d out of range [0, 2]", cfg.FlushNeighbors)
	}
	if cfg.LRUScanDepth < 100 {
		return fmt.Errorf("innodb_lru_scan_depth %d below minimum 100", cfg.LRUScanDepth)
	}
	if cfg.LogFileSize < 4*sizeMB {
		return fmt.Errorf("innodb_log_file_size %d below 4M", cfg.LogFileSize)
	}
	if cfg.LogRecentClosedSize < 4*sizeKB {
		return fmt.Errorf("innodb_log_recent_closed_size %d below 4K", cfg.LogRecentClosedSize)
	}
	switch cfg.ChangeBuffering {
	case ChangeBufferingNone, ChangeBufferingInserts, ChangeBufferingDeletes,
		ChangeBufferingChanges, ChangeBufferingPurges, ChangeBufferingAll:
	default:
		return fmt.Errorf("unknown innodb_change_buffering %q", cfg.ChangeBuffering)
	}
	if cfg.ChangeBufferMaxSize < 0 || cfg.ChangeBufferMaxSize > 50 {
		return fmt.Errorf("innodb_change_buffer_max_size %d out of range [0, 50]", cfg.ChangeBufferMaxSize)
	}
	switch cfg.PageCompression {
	case CompressionNone, CompressionSnappy, CompressionLZ4:
	default:
		return fmt.Errorf("unknown innodb_page_compression %q", cfg.PageCompression)
	}
	if cfg.FastShutdown < 0 || cfg.FastShutdown > 2 {
		return fmt.Errorf("innodb_fast_shutdown %d out of range [0, 2]", cfg.FastShutdown)
	}
	if cfg.ForceRecovery < 0 || cfg.ForceRecovery > 6 {
		return fmt.Errorf("innodb_force_recovery %d out of range [0, 6]", cfg.ForceRecovery)
	}
	return nil
}

// PoolPages 缓冲池总页数
func (cfg *Cfg) PoolPages() int {
	return int(cfg.BufferPoolSize / int64(cfg.PageSize))
}

// LogConfig 转换为日志配置
func (cfg *Cfg) LogConfig() logger.LogConfig {
	return logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}
}

// GetString 获取配置项的字符串值, key 形如 "innodb.innodb_io_capacity"
func (cfg *Cfg) GetString(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return ""
	}
	return valueAsString(cfg.Raw.Section(parts[0]), strings.Join(parts[1:], "."), "")
}

// GetInt 获取配置项的整数值
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return 0
	}
	return cfg.Raw.Section(parts[0]).Key(strings.Join(parts[1:], ".")).MustInt(0)
}
