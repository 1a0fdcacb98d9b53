package config

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"

	"github.com/dsg-config/dconfigd/lib/bus"
	"github.com/dsg-config/dconfigd/lib/store"
	"github.com/dsg-config/dconfigd/lib/util"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var (
	CfgFile string
	log     = logger.GetLogger()
)

const (
	BaseDirName     = ".dconfigd"
	SystemConfigDir = "/etc/dconfigd"
	EnvPrefix       = "DCONFIGD"
)

// Viper keys.
const (
	KeyPrefix         = "prefix"
	KeyDelayRelease   = "delay_release"
	KeyExitWhenIdle   = "exit_when_idle"
	KeySyncInterval   = "sync_interval"
	KeyBusNetwork     = "bus.network"
	KeyBusAddress     = "bus.address"
	KeyBusRateLimit   = "bus.rate_limit"
	KeyBusBurst       = "bus.burst"
	KeyBusMaxPeers    = "bus.max_peers"
	KeyBusIdentityTTL = "bus.identity_ttl"
	KeyStoreMetaDirs  = "store.meta_dirs"
	KeyStoreOverrides = "store.override_dirs"
	KeyStoreCacheDir  = "store.cache_dir"
	KeyWatchEnabled   = "watch.enabled"
	KeyWatchDebounce  = "watch.debounce"
	KeyVerbose        = "verbose"
)

// InitConfig loads defaults, the environment and the config file into viper.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildDirPath())
		viper.AddConfigPath(SystemConfigDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	return handleConfigFile()
}

func setDefaults() {
	d := Defaults()
	viper.SetDefault(KeyPrefix, d.Prefix)
	viper.SetDefault(KeyDelayRelease, d.DelayRelease)
	viper.SetDefault(KeyExitWhenIdle, d.ExitWhenIdle)
	viper.SetDefault(KeySyncInterval, d.SyncInterval)

	viper.SetDefault(KeyBusNetwork, d.Bus.Network)
	viper.SetDefault(KeyBusAddress, d.Bus.Address)
	viper.SetDefault(KeyBusRateLimit, d.Bus.RateLimit)
	viper.SetDefault(KeyBusBurst, d.Bus.Burst)
	viper.SetDefault(KeyBusMaxPeers, d.Bus.MaxPeers)
	viper.SetDefault(KeyBusIdentityTTL, d.Bus.IdentityTTL)

	viper.SetDefault(KeyStoreMetaDirs, d.Store.MetaDirs)
	viper.SetDefault(KeyStoreOverrides, d.Store.OverrideDirs)
	viper.SetDefault(KeyStoreCacheDir, d.Store.CacheDir)

	viper.SetDefault(KeyWatchEnabled, d.Watch.Enabled)
	viper.SetDefault(KeyWatchDebounce, d.Watch.Debounce)
	viper.SetDefault(KeyVerbose, false)
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("using_config_file")
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && CfgFile == "" {
		log.Debug("no_config_file_using_defaults")
		return nil
	}
	return oops.Wrapf(err, "failed to read config file %s", CfgFile)
}

// BuildDirPath returns the per-user config directory.
func BuildDirPath() string {
	return filepath.Join(util.UserHome(), BaseDirName)
}

// DaemonConfig is the typed view of every daemon setting.
type DaemonConfig struct {
	// Prefix is prepended to every store directory.
	Prefix string
	// DelayRelease keeps unreferenced connections alive for this long.
	DelayRelease time.Duration
	// ExitWhenIdle stops the daemon when the last resource is released.
	ExitWhenIdle bool
	// SyncInterval batches cache writes.
	SyncInterval time.Duration
	Verbose      bool

	Bus   BusConfig
	Store StoreConfig
	Watch WatchConfig
}

// BusConfig holds the IPC listener settings.
type BusConfig struct {
	Network     string
	Address     string
	RateLimit   float64
	Burst       int
	MaxPeers    int
	IdentityTTL time.Duration
}

// StoreConfig lists the directories relative to the prefix.
type StoreConfig struct {
	MetaDirs     []string
	OverrideDirs []string
	CacheDir     string
}

// WatchConfig controls the meta directory watcher.
type WatchConfig struct {
	Enabled  bool
	Debounce time.Duration
}

// NewDaemonConfigFromViper creates a DaemonConfig from current viper settings.
func NewDaemonConfigFromViper() *DaemonConfig {
	return &DaemonConfig{
		Prefix:       viper.GetString(KeyPrefix),
		DelayRelease: viper.GetDuration(KeyDelayRelease),
		ExitWhenIdle: viper.GetBool(KeyExitWhenIdle),
		SyncInterval: viper.GetDuration(KeySyncInterval),
		Verbose:      viper.GetBool(KeyVerbose),
		Bus: BusConfig{
			Network:     viper.GetString(KeyBusNetwork),
			Address:     viper.GetString(KeyBusAddress),
			RateLimit:   viper.GetFloat64(KeyBusRateLimit),
			Burst:       viper.GetInt(KeyBusBurst),
			MaxPeers:    viper.GetInt(KeyBusMaxPeers),
			IdentityTTL: viper.GetDuration(KeyBusIdentityTTL),
		},
		Store: StoreConfig{
			MetaDirs:     viper.GetStringSlice(KeyStoreMetaDirs),
			OverrideDirs: viper.GetStringSlice(KeyStoreOverrides),
			CacheDir:     viper.GetString(KeyStoreCacheDir),
		},
		Watch: WatchConfig{
			Enabled:  viper.GetBool(KeyWatchEnabled),
			Debounce: viper.GetDuration(KeyWatchDebounce),
		},
	}
}

// Layout returns the store layout of the configuration.
func (c *DaemonConfig) Layout() store.Layout {
	return store.Layout{
		MetaDirs:     append([]string(nil), c.Store.MetaDirs...),
		OverrideDirs: append([]string(nil), c.Store.OverrideDirs...),
		CacheDir:     c.Store.CacheDir,
	}
}

// BusServerConfig returns the listener settings for the bus server.
func (c *DaemonConfig) BusServerConfig() *bus.ServerConfig {
	cfg := bus.DefaultServerConfig()
	cfg.Network = c.Bus.Network
	cfg.Address = c.Bus.Address
	cfg.RateLimit = c.Bus.RateLimit
	cfg.Burst = c.Bus.Burst
	cfg.MaxPeers = c.Bus.MaxPeers
	cfg.IdentityTTL = c.Bus.IdentityTTL
	return cfg
}
