// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// Package config loads the daemon configuration from TOML or YAML files.
package config

import (
	"fmt"
	"iscsitarget/pkg/common"
	"iscsitarget/pkg/logger"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type ErrInvalidConfig struct {
	path string
}

func (err ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration in '%s'", err.path)
}

type ErrUnsupportedFormat struct {
	extension string
}

func (err ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported configuration format '%s', use .toml, .yaml or .yml", err.extension)
}

// Duration is a time.Duration spelled as "10s" or "250ms" in config files.
type Duration struct {
	time.Duration
}

func (duration *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	duration.Duration = parsed
	return nil
}

func (duration Duration) MarshalText() ([]byte, error) {
	return []byte(duration.String()), nil
}

func (duration *Duration) UnmarshalYAML(value *yaml.Node) error {
	return duration.UnmarshalText([]byte(value.Value))
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
}

type TargetConfig struct {
	Name string `toml:"name" yaml:"name"`
	// Each entry is either "memory:<bytes>" or a path to a regular file.
	Luns []string `toml:"luns" yaml:"luns"`
}

type ISCSIConfig struct {
	Portals                  []string       `toml:"portals" yaml:"portals"`
	Targets                  []TargetConfig `toml:"targets" yaml:"targets"`
	MaxRecvDataSegmentLength uint32         `toml:"max_recv_data_segment_length" yaml:"max_recv_data_segment_length"`
	MaxBurstLength           uint32         `toml:"max_burst_length" yaml:"max_burst_length"`
	HeaderDigest             []string       `toml:"header_digest" yaml:"header_digest"`
	DataDigest               []string       `toml:"data_digest" yaml:"data_digest"`
	MaxQueueCmd              uint32         `toml:"max_queue_cmd" yaml:"max_queue_cmd"`
	KeepalivePeriod          Duration       `toml:"keepalive_period" yaml:"keepalive_period"`
	KeepaliveInterval        Duration       `toml:"keepalive_interval" yaml:"keepalive_interval"`
	KeepaliveCount           int            `toml:"keepalive_count" yaml:"keepalive_count"`
}

type EngineConfig struct {
	ReadWorkers           int      `toml:"read_workers" yaml:"read_workers"`
	WriteWorkers          int      `toml:"write_workers" yaml:"write_workers"`
	ReadCPUs              string   `toml:"read_cpus" yaml:"read_cpus"`
	WriteCPUs             string   `toml:"write_cpus" yaml:"write_cpus"`
	InlineDigestThreshold int      `toml:"inline_digest_threshold" yaml:"inline_digest_threshold"`
	RspTimeout            Duration `toml:"rsp_timeout" yaml:"rsp_timeout"`
	NopInInterval         Duration `toml:"nop_in_interval" yaml:"nop_in_interval"`
	NopInTimeout          Duration `toml:"nop_in_timeout" yaml:"nop_in_timeout"`
	TMDataWaitTimeout     Duration `toml:"tm_data_wait_timeout" yaml:"tm_data_wait_timeout"`
	AddSchedTime          Duration `toml:"add_sched_time" yaml:"add_sched_time"`
	MaxConcurrentCloses   int64    `toml:"max_concurrent_closes" yaml:"max_concurrent_closes"`
}

type CloseConfig struct {
	PendingTimeout Duration `toml:"pending_timeout" yaml:"pending_timeout"`
	WaitTimeout    Duration `toml:"wait_timeout" yaml:"wait_timeout"`
	RegShutTimeout Duration `toml:"reg_shut_timeout" yaml:"reg_shut_timeout"`
	DelShutTimeout Duration `toml:"del_shut_timeout" yaml:"del_shut_timeout"`
	Sleep          Duration `toml:"sleep" yaml:"sleep"`
	DelSleep       Duration `toml:"del_sleep" yaml:"del_sleep"`
	IdlePoll       Duration `toml:"idle_poll" yaml:"idle_poll"`
}

type ApiConfig struct {
	SocketPath string `toml:"socket_path" yaml:"socket_path"`
}

type DebugConfig struct {
	PprofAddress string `toml:"pprof_address" yaml:"pprof_address"`
}

type Config struct {
	Log    LogConfig    `toml:"log" yaml:"log"`
	ISCSI  ISCSIConfig  `toml:"iscsi" yaml:"iscsi"`
	Engine EngineConfig `toml:"engine" yaml:"engine"`
	Close  CloseConfig  `toml:"close" yaml:"close"`
	Api    ApiConfig    `toml:"api" yaml:"api"`
	Debug  DebugConfig  `toml:"debug" yaml:"debug"`
}

func seconds(count int) Duration {
	return Duration{time.Duration(count) * time.Second}
}

func milliseconds(count int) Duration {
	return Duration{time.Duration(count) * time.Millisecond}
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		ISCSI: ISCSIConfig{
			Portals:                  []string{"0.0.0.0:3260"},
			MaxRecvDataSegmentLength: 65536,
			MaxBurstLength:           262144,
			HeaderDigest:             []string{"None", "CRC32C"},
			DataDigest:               []string{"None", "CRC32C"},
			MaxQueueCmd:              128,
			KeepalivePeriod:          seconds(60),
			KeepaliveInterval:        seconds(5),
			KeepaliveCount:           2,
		},
		Engine: EngineConfig{
			ReadWorkers:           2,
			WriteWorkers:          2,
			InlineDigestThreshold: 16 * 1024,
			RspTimeout:            seconds(90),
			NopInInterval:         seconds(30),
			NopInTimeout:          seconds(30),
			TMDataWaitTimeout:     seconds(10),
			AddSchedTime:          milliseconds(250),
			MaxConcurrentCloses:   64,
		},
		Close: CloseConfig{
			PendingTimeout: seconds(10),
			WaitTimeout:    seconds(10),
			RegShutTimeout: seconds(125),
			DelShutTimeout: seconds(10),
			Sleep:          seconds(1),
			DelSleep:       milliseconds(200),
			IdlePoll:       milliseconds(50),
		},
		Api: ApiConfig{SocketPath: "/tmp/iscsitarget.sock"},
	}
}

// Load reads the file at path on top of Default(). The decoder is chosen
// by the file extension.
func Load(path string) (*Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	switch extension := strings.ToLower(filepath.Ext(path)); extension {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, common.RaiseFrom(&ErrInvalidConfig{path: path}, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, common.RaiseFrom(&ErrInvalidConfig{path: path}, err)
		}
	default:
		return nil, &ErrUnsupportedFormat{extension: extension}
	}
	if err := config.Validate(); err != nil {
		return nil, common.RaiseFrom(&ErrInvalidConfig{path: path}, err)
	}
	return config, nil
}

func (config *Config) Validate() error {
	if _, err := logger.ParseLevel(config.Log.Level); err != nil {
		return err
	}
	if config.Engine.ReadWorkers <= 0 || config.Engine.WriteWorkers <= 0 {
		return fmt.Errorf("worker counts must be positive, got read=%d write=%d",
			config.Engine.ReadWorkers, config.Engine.WriteWorkers)
	}
	if _, err := ParseCPUList(config.Engine.ReadCPUs); err != nil {
		return errors.Wrap(err, "read_cpus")
	}
	if _, err := ParseCPUList(config.Engine.WriteCPUs); err != nil {
		return errors.Wrap(err, "write_cpus")
	}
	if config.Engine.InlineDigestThreshold < 0 {
		return fmt.Errorf("inline_digest_threshold must not be negative")
	}
	if config.Engine.MaxConcurrentCloses <= 0 {
		return fmt.Errorf("max_concurrent_closes must be positive")
	}
	if len(config.ISCSI.Portals) == 0 {
		return fmt.Errorf("at least one portal is required")
	}
	if config.ISCSI.MaxQueueCmd == 0 {
		return fmt.Errorf("max_queue_cmd must be positive")
	}
	if config.ISCSI.MaxRecvDataSegmentLength < 512 || config.ISCSI.MaxRecvDataSegmentLength > 16777215 {
		return fmt.Errorf("max_recv_data_segment_length %d out of range", config.ISCSI.MaxRecvDataSegmentLength)
	}
	for _, target := range config.ISCSI.Targets {
		if target.Name == "" {
			return fmt.Errorf("target without a name")
		}
	}
	return nil
}

// ParseCPUList parses lists like "0-3,6". An empty list means no pinning.
func ParseCPUList(list string) ([]int, error) {
	var result []int
	if strings.TrimSpace(list) == "" {
		return result, nil
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		bounds := strings.SplitN(part, "-", 2)
		first, err := strconv.Atoi(bounds[0])
		if err != nil || first < 0 {
			return nil, fmt.Errorf("bad cpu '%s'", part)
		}
		last := first
		if len(bounds) == 2 {
			last, err = strconv.Atoi(bounds[1])
			if err != nil || last < first {
				return nil, fmt.Errorf("bad cpu range '%s'", part)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			result = append(result, cpu)
		}
	}
	return result, nil
}
