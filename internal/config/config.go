// Package config loads the scalar options the core consumes (§6.4) from
// the environment, following the teacher's envOr/Load() shape, and the
// structured repo-resolver table from an optional YAML file.
//
// CLI flag parsing, daemonisation and signal handling stay out of scope
// (spec.md §1); this package only resolves values, it never touches
// os.Args.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danielloader/acng-core/internal/resolver"
)

// VRangeOps is the vrangeops setting for the volatile-item
// probe-minus-one trick (§4.2, §8.3 scenario 3). It is loaded but not
// consulted: the agent always probes a fully cached volatile item that
// has a modification date.
type VRangeOps int

const (
	VRangeDisabled VRangeOps = iota
	VRangeEnabled
	VRangeProbeOnly
)

// Config holds every scalar option listed in §6.4.
type Config struct {
	CacheDir    string
	ListenAddr  string
	MetricsAddr string
	LogLevel    slog.Level

	NetTimeoutSeconds   int
	FastTimeoutSeconds  int
	MaxTempDelaySeconds int
	StuckSeconds        int
	PipelineLen         int
	PersistOutgoing     bool
	RedirMax            int
	DLRetriesMax        int
	MaxDLSpeedKiBs      int // 0 = disabled
	AllocSpaceBytes     int64
	DLBufSizeBytes      int
	VRangeOps           VRangeOps
	ExpOrigin           bool
	OfflineMode         bool
	DirPerms            os.FileMode
	FilePerms           os.FileMode
	StupidFS            bool
	TrackFileUse        bool

	// Structured config, loaded separately via LoadRepoTable.
	ReposFile string

	// Optional S3-backed Release-file snapshot archiver (§4.1 special
	// case, SPEC_FULL §3 domain stack). Empty bucket disables it in
	// favor of the filesystem-local archiver.
	RsnapS3Bucket         string
	RsnapS3Prefix         string
	RsnapS3ForcePathStyle bool
}

// Load reads scalar configuration from the environment, applying the same
// envOr-with-sane-default pattern the teacher uses for its own options.
func Load() Config {
	return Config{
		CacheDir:    envOr("ACNG_CACHE_DIR", "/var/cache/acng-core"),
		ListenAddr:  envOr("ACNG_LISTEN_ADDR", ":3142"),
		MetricsAddr: envOr("ACNG_METRICS_ADDR", ":9142"),
		LogLevel:    parseLogLevel(envOr("ACNG_LOG_LEVEL", "info")),

		NetTimeoutSeconds:   envInt("ACNG_NETTIMEOUT", 30),
		FastTimeoutSeconds:  envInt("ACNG_FASTTIMEOUT", 4),
		MaxTempDelaySeconds: envInt("ACNG_MAXTEMPDELAY", 27),
		StuckSeconds:        envInt("ACNG_STUCKSECS", 42),
		PipelineLen:         envInt("ACNG_PIPELINELEN", 10),
		PersistOutgoing:     envBool("ACNG_PERSISTOUTGOING", true),
		RedirMax:            envInt("ACNG_REDIRMAX", 5),
		DLRetriesMax:        envInt("ACNG_DLRETRIESMAX", 5),
		MaxDLSpeedKiBs:      envInt("ACNG_MAXDLSPEED", 0),
		AllocSpaceBytes:     envInt64("ACNG_ALLOCSPACE", 128*1024*1024),
		DLBufSizeBytes:      envInt("ACNG_DLBUFSIZE", 1<<16),
		VRangeOps:           parseVRangeOps(envOr("ACNG_VRANGEOPS", "enabled")),
		ExpOrigin:           envBool("ACNG_EXORIGIN", false),
		OfflineMode:         envBool("ACNG_OFFLINEMODE", false),
		DirPerms:            envMode("ACNG_DIRPERMS", 0755),
		FilePerms:           envMode("ACNG_FILEPERMS", 0644),
		StupidFS:            envBool("ACNG_STUPIDFS", false),
		TrackFileUse:        envBool("ACNG_TRACKFILEUSE", true),

		ReposFile: os.Getenv("ACNG_REPOS_FILE"),
	}
}

// LoadRepoTable reads the structured resolver table (routes + repo
// descriptors) from a YAML file. Returns an empty table if path is "",
// matching the spec's framing of structured config as operator input that
// may simply be absent.
func LoadRepoTable(path string) (*resolver.Table, error) {
	if path == "" {
		return resolver.NewTable(nil, nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading repos file: %w", err)
	}

	var doc struct {
		Routes []resolver.Entry          `yaml:"routes"`
		Repos  []resolver.RepoDescriptor `yaml:"repos"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing repos file: %w", err)
	}
	return resolver.NewTable(doc.Routes, doc.Repos), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func envMode(key string, fallback os.FileMode) os.FileMode {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 8, 32); err == nil {
			return os.FileMode(n)
		}
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseVRangeOps(s string) VRangeOps {
	switch strings.ToLower(s) {
	case "disabled":
		return VRangeDisabled
	case "probe-only":
		return VRangeProbeOnly
	default:
		return VRangeEnabled
	}
}
