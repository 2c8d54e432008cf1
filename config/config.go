// Package config defines the process's tunables, loaded with
// jessevdk/go-flags the way go/consumer/app.go's config struct and
// runconsumer.BaseConfig group and namespace their fields.
package config

import (
	"time"

	"github.com/jessevdk/go-flags"
)

// StorageConfig groups the tunables storage.RocksEngine and the snapshot
// admission gate depend on.
type StorageConfig struct {
	DataDir               string `long:"data-dir" env:"DATA_DIR" default:"/var/lib/regioncdc" description:"RocksDB data directory"`
	UseDeleteRange        bool   `long:"use-delete-range" env:"USE_DELETE_RANGE" description:"use a single delete_range tombstone instead of point deletes when clearing a key range"`
	Level0SlowdownTrigger int    `long:"level0-slowdown-writes-trigger" env:"LEVEL0_SLOWDOWN_WRITES_TRIGGER" default:"20" description:"level-0 SST file count above which snapshot apply stalls behind compaction"`
}

// SnapshotConfig groups the stale-range quarantine tunables.
type SnapshotConfig struct {
	CleanStalePeerDelay time.Duration `long:"clean-stale-peer-delay" env:"CLEAN_STALE_PEER_DELAY" default:"10m" description:"delay before a quarantined key range is actually deleted; 0 disables quarantine and deletes immediately"`
}

// TransportConfig groups the gRPC listener and per-subscriber buffering
// tunables.
type TransportConfig struct {
	ListenAddr  string `long:"listen-addr" env:"LISTEN_ADDR" default:":9090" description:"gRPC listen address"`
	SinkBuffer  int    `long:"sink-buffer" env:"SINK_BUFFER" default:"128" description:"per-subscriber bounded channel capacity"`
}

// RegionsConfig groups the region-metadata watch tunables.
type RegionsConfig struct {
	Endpoints []string `long:"etcd-endpoint" env:"ETCD_ENDPOINTS" env-delim:"," description:"etcd endpoints backing the region directory"`
	Prefix    string   `long:"region-prefix" env:"REGION_PREFIX" default:"/regioncdc/regions/" description:"etcd key prefix under which region metadata is stored"`
}

// Config is the top-level process configuration.
type Config struct {
	Storage   StorageConfig   `group:"Storage" namespace:"storage"`
	Snapshot  SnapshotConfig  `group:"Snapshot" namespace:"snapshot"`
	Transport TransportConfig `group:"Transport" namespace:"transport"`
	Regions   RegionsConfig   `group:"Regions" namespace:"regions"`

	MetricsAddr string `long:"metrics-addr" env:"METRICS_ADDR" default:":9091" description:"Prometheus /metrics listen address"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"logrus level name"`
}

// Parse loads Config from argv and the environment, the same two-source
// precedence go-flags applies for runconsumer.BaseConfig.
func Parse(argv []string) (*Config, error) {
	var cfg Config
	if _, err := flags.NewParser(&cfg, flags.Default).ParseArgs(argv); err != nil {
		return nil, err
	}
	return &cfg, nil
}
