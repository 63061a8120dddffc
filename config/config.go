// Package config holds the single Configuration struct every component of
// this engine reads from, populated at startup from a YAML-shaped flat file
// via nimo4go's ConfigLoader — the same struct-tag-driven shape
// collector/configure/configure.go uses, narrowed to the knobs this oplog
// tailing and parallel apply engine actually consumes (spec §6's
// replWriterThreadCount / replBatchLimitOperations / replBatchLimitBytes /
// insertVectorMaxBytes, plus sync-source, checkpoint, and log settings).
package config

import (
	"math/bits"

	"github.com/getlantern/deepcopy"
)

// Configuration is the single source of truth every package reads via the
// package-level Options var, exactly as collector/configure/configure.go's
// own Configuration/Options pair works.
type Configuration struct {
	// global
	Id          string `config:"id"`
	LogLevel    string `config:"log.level"`
	LogDir      string `config:"log.dir"`
	LogFile     string `config:"log.file"`
	LogFlush    bool   `config:"log.flush"`
	SystemProfilePort int `config:"system_profile_port"`

	// sync source / local storage
	SyncSourceURL              string `config:"sync_source_url"`
	SyncSourceSslRootCaFile    string `config:"sync_source_ssl_root_ca_file"`
	LocalStorageURL            string `config:"local_storage_url"`
	LocalStorageSslRootCaFile  string `config:"local_storage_ssl_root_ca_file"`

	// apply engine (spec §6 "Configuration")
	ReplWriterThreadCount  int   `config:"repl_writer_thread_count"`  // 1..256, startup-only
	ReplBatchLimitOperations int `config:"repl_batch_limit_operations"` // 1..1,000,000, default 50000
	ReplBatchLimitBytes    int64 `config:"repl_batch_limit_bytes"`
	InsertVectorMaxBytes   int   `config:"insert_vector_max_bytes"`
	SlaveDelaySecs         int64 `config:"slave_delay_secs"`

	// checkpoint storage (collector/ckpt's two backends)
	CheckpointStorage                     string `config:"checkpoint.storage"` // "mongodb" or "api"
	CheckpointStorageUrl                  string `config:"checkpoint.storage.url"`
	CheckpointStorageDb                   string `config:"checkpoint.storage.db"`
	CheckpointStorageCollection           string `config:"checkpoint.storage.collection"`
	CheckpointStorageUrlMongoSslRootCaFile string `config:"checkpoint.storage.url.mongo_ssl_root_ca_file"`
	CheckpointStartPosition                int64  `config:"checkpoint.start_position" type:"date"`
	CheckpointIntervalSecs                 int64  `config:"checkpoint.interval_secs"`

	// disk-spill / kafka upstream queue variants (§11 DOMAIN STACK)
	UpstreamKind          string   `config:"upstream.kind"` // "mongo", "mgo", "kafka"
	KafkaBrokers          []string `config:"upstream.kafka.brokers"`
	KafkaTopic            string   `config:"upstream.kafka.topic"`
	DiskSpillEnabled      bool     `config:"upstream.disk_spill.enabled"`
	DiskSpillDataPath     string   `config:"upstream.disk_spill.data_path"`
	DiskSpillMaxBytesFile int64    `config:"upstream.disk_spill.max_bytes_per_file"`

	// generated at runtime, not user-set
	Version string
}

// Options is the package-level singleton every component reads, matching
// collector/configure/configure.go's var Options Configuration.
var Options Configuration

// GetSafeOptions returns a deep copy of Options with connection-string
// passwords redacted, for exposing over a REST status endpoint without ever
// logging/serving a live credential — same pattern and same deepcopy
// library collector/configure/configure.go's GetSafeOptions uses.
func GetSafeOptions() Configuration {
	polish := new(Configuration)
	deepcopy.Copy(polish, &Options)
	polish.SyncSourceURL = redactURL(Options.SyncSourceURL)
	polish.LocalStorageURL = redactURL(Options.LocalStorageURL)
	polish.CheckpointStorageUrl = redactURL(Options.CheckpointStorageUrl)
	return *polish
}

// redactURL blanks out a connection string's userinfo, mirroring
// utils.BlockMongoUrlPassword's "scheme://***@host" shape.
func redactURL(url string) string {
	schemeEnd := -1
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			schemeEnd = i + 3
			break
		}
	}
	if schemeEnd == -1 {
		return url
	}
	atIdx := -1
	for i := schemeEnd; i < len(url); i++ {
		if url[i] == '@' {
			atIdx = i
			break
		}
	}
	if atIdx == -1 {
		return url
	}
	return url[:schemeEnd] + "***" + url[atIdx:]
}

// Validate sanitizes and range-checks the loaded options, mirroring
// collector/main's SanitizeOptions — caught here rather than scattered
// across every component that reads a knob.
func Validate() error {
	if Options.ReplWriterThreadCount <= 0 {
		Options.ReplWriterThreadCount = defaultWriterThreadCount()
	}
	if Options.ReplWriterThreadCount > 256 {
		Options.ReplWriterThreadCount = 256
	}
	if Options.ReplBatchLimitOperations <= 0 {
		Options.ReplBatchLimitOperations = 50000
	}
	if Options.ReplBatchLimitOperations > 1000000 {
		Options.ReplBatchLimitOperations = 1000000
	}
	if Options.InsertVectorMaxBytes <= 0 {
		Options.InsertVectorMaxBytes = 16 * 1024 * 1024
	}
	return nil
}

// defaultWriterThreadCount is spec §5's "default 16 on 64-bit, 2 on
// 32-bit", decided by the word size of the target the binary is built for.
func defaultWriterThreadCount() int {
	if bits.UintSize == 32 {
		return 2
	}
	return 16
}
