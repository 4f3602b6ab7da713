// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers

package server

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/rpc"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultRESTPort       = 8787
)

// Config defines the configuration options of the attestation oracle.
//
// Values are layered: defaults, then the ini config file, then the command line.
//
//nolint:lll
type Config struct {
	OracleDir       string `long:"oracledir"      description:"The base directory that contains the oracle's data, logs, configuration file, etc."`
	ConfigFile      string `long:"configfile"     description:"Path to configuration file"                                                          short:"c"`
	DataDir         string `long:"datadir"        description:"The directory to store the oracle's state within"                                    short:"b"`
	DbDir           string `long:"dbdir"          description:"The directory to store DBs within"`
	LogDir          string `long:"logdir"         description:"Directory to log output."`
	DebugLog        bool   `long:"debuglog"       description:"Enable debug logs"`
	JSONLog         bool   `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles     int    `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize  int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	RawRESTListener string `long:"listen"         description:"The interface/port to listen for HTTP connections"                                  short:"w"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Attestation attestation.Config `group:"Attestation"`
	RPC         rpc.Config         `group:"RPC"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	oracleDir := "./oen-oracle"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		oracleDir = filepath.Join(cacheDir, "oen-oracle")
	}

	return &Config{
		OracleDir:       oracleDir,
		DataDir:         filepath.Join(oracleDir, defaultDataDirname),
		DbDir:           filepath.Join(oracleDir, defaultDbDirName),
		LogDir:          filepath.Join(oracleDir, defaultLogDirname),
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		RawRESTListener: fmt.Sprintf("localhost:%d", defaultRESTPort),
		Attestation:     attestation.DefaultConfig(),
		RPC:             rpc.DefaultConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// Directories left at their defaults follow a custom oracle directory.
	defaultCfg := DefaultConfig()
	if cfg.OracleDir != defaultCfg.OracleDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.OracleDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.OracleDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.OracleDir, defaultDbDirName)
		}
	}

	if err := os.MkdirAll(cfg.OracleDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.OracleDir, err)
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.DbDir = CleanAndExpandPath(cfg.DbDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	return cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
