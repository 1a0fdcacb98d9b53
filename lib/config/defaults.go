package config

import (
	"fmt"
	"time"

	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/dconfig"
	"github.com/dsg-config/dconfigd/lib/store"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

// Defaults returns the configuration the daemon runs with when nothing is
// set. This is the single source of truth for default values.
func Defaults() DaemonConfig {
	layout := store.DefaultLayout()
	return DaemonConfig{
		Prefix:       "",
		DelayRelease: dconfig.DefaultDelayRelease,
		ExitWhenIdle: false,
		SyncInterval: dconfig.DefaultSyncInterval,
		Bus: BusConfig{
			Network:     "unix",
			Address:     "/run/dconfigd/bus.sock",
			RateLimit:   500,
			Burst:       1000,
			MaxPeers:    256,
			IdentityTTL: time.Minute,
		},
		Store: StoreConfig{
			MetaDirs:     layout.MetaDirs,
			OverrideDirs: layout.OverrideDirs,
			CacheDir:     layout.CacheDir,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: 200 * time.Millisecond,
		},
	}
}

// Validate checks c and returns an error describing the first invalid value.
// The error wraps dconfig.ErrInvalidConfiguration.
func (c *DaemonConfig) Validate() error {
	validators := []func() error{
		c.validateTimers,
		c.validateBus,
		c.validateStore,
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("configuration_invalid")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "(DaemonConfig).Validate",
		"prefix": c.Prefix,
		"bus":    c.Bus.Address,
	}).Debug("configuration_valid")
	return nil
}

func invalid(format string, args ...interface{}) error {
	return oops.Wrapf(dconfig.ErrInvalidConfiguration, "%s", fmt.Sprintf(format, args...))
}

func (c *DaemonConfig) validateTimers() error {
	if c.DelayRelease < 0 {
		return invalid("delay_release must not be negative, got %s", c.DelayRelease)
	}
	if c.SyncInterval < 0 {
		return invalid("sync_interval must not be negative, got %s", c.SyncInterval)
	}
	if c.Watch.Debounce < 0 {
		return invalid("watch.debounce must not be negative, got %s", c.Watch.Debounce)
	}
	return nil
}

func (c *DaemonConfig) validateBus() error {
	if c.Bus.Network != "unix" {
		return invalid("bus.network must be unix, got %q", c.Bus.Network)
	}
	if c.Bus.Address == "" {
		return invalid("bus.address is empty")
	}
	if c.Bus.RateLimit <= 0 || c.Bus.Burst <= 0 {
		return invalid("bus.rate_limit and bus.burst must be positive")
	}
	if c.Bus.MaxPeers < 0 {
		return invalid("bus.max_peers must not be negative, got %d", c.Bus.MaxPeers)
	}
	if c.Bus.IdentityTTL < 0 {
		return invalid("bus.identity_ttl must not be negative, got %s", c.Bus.IdentityTTL)
	}
	return nil
}

func (c *DaemonConfig) validateStore() error {
	if len(c.Store.MetaDirs) == 0 {
		return invalid("store.meta_dirs is empty")
	}
	if c.Store.CacheDir == "" {
		return invalid("store.cache_dir is empty")
	}
	return nil
}
