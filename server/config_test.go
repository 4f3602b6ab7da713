package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestReadingNonExistingConfigFile(t *testing.T) {
	cfg := Config{
		ConfigFile: "non-existing-file",
	}
	_, err := ReadConfigFile(&cfg)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ConfigFile = filepath.Join(dir, "config.ini")
	content := `datadir = /tmp

[Attestation]
validity = 30m
verifying-contract = 0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512

[RPC]
rate-limit = 2.5
`
	require.NoError(t, os.WriteFile(cfg.ConfigFile, []byte(content), 0o600))

	cfg, err := ReadConfigFile(cfg)
	require.NoError(t, err)
	require.Equal(t, "/tmp", cfg.DataDir)
	require.Equal(t, 30*time.Minute, cfg.Attestation.Validity)
	require.Equal(t, common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"), cfg.Attestation.VerifyingContract.Address())
	require.Equal(t, 2.5, cfg.RPC.RateLimit)
	require.Equal(t, DefaultConfig().RPC.RateBurst, cfg.RPC.RateBurst)
}

func TestReadConfigFilePathNotSet(t *testing.T) {
	cfg, err := ReadConfigFile(&Config{})
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestSetupConfigFollowsOracleDir(t *testing.T) {
	t.Setenv("HOME", "/home/oen")
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.OracleDir = dir
	cfg.LogDir = "$HOME/oen-logs"

	cfg, err := SetupConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, defaultDataDirname), cfg.DataDir)
	require.Equal(t, filepath.Join(dir, defaultDbDirName), cfg.DbDir)
	require.Equal(t, "/home/oen/oen-logs", cfg.LogDir)
	require.DirExists(t, dir)
}

func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("OEN_TEST_DIR", "/var/lib")
	require.Equal(t, "", CleanAndExpandPath(""))
	require.Equal(t, "/var/lib/oen", CleanAndExpandPath("$OEN_TEST_DIR/./oen/"))
	require.NotContains(t, CleanAndExpandPath("~/oen"), "~")
}
