// Package config loads process-level settings and the initial
// EngineProfile via viper, and exposes a hot-reload watcher that
// republishes a new immutable EngineProfile snapshot on file change.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"revaer.io/engine/internal/domain"
)

// ProcessConfig holds settings that are fixed for the lifetime of the
// process: they are read once at boot, unlike EngineProfile which can be
// hot-reloaded.
type ProcessConfig struct {
	DataDir   string
	ResumeDir string
	LogLevel  string
	LogFormat string
}

func defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("resume_dir", "data/resume")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("profile.version", 1)
	v.SetDefault("profile.global_download_rate_bytes_per_sec", int64(0))
	v.SetDefault("profile.global_upload_rate_bytes_per_sec", int64(0))
	v.SetDefault("profile.zero_cap_means_unlimited", true)
	v.SetDefault("profile.max_connections_global", 200)
	v.SetDefault("profile.max_connections_per_torrent", 50)
	v.SetDefault("profile.unchoke_slots", 8)
	v.SetDefault("profile.seed_ratio_limit", 0.0)
	v.SetDefault("profile.seed_time_limit", "0s")
	v.SetDefault("profile.dht_enabled", true)
	v.SetDefault("profile.pex_enabled", true)
	v.SetDefault("profile.lsd_enabled", true)
	v.SetDefault("profile.upnp_enabled", true)
	v.SetDefault("profile.nat_pmp_enabled", true)
	v.SetDefault("profile.listen_port", 0)
	v.SetDefault("profile.active_torrent_limit", 0)
	v.SetDefault("profile.disk_cache_bytes", int64(64<<20))
	v.SetDefault("profile.stats_cadence", "1s")
	v.SetDefault("profile.alt_speed.enabled", false)
}

// New builds a viper instance bound to the given config file path (if any)
// and to environment variables prefixed REVAER_ (e.g. REVAER_DATA_DIR).
func New(configFile string) *viper.Viper {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("revaer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("revaer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/revaer")
	}
	return v
}

func LoadProcessConfig(v *viper.Viper) ProcessConfig {
	return ProcessConfig{
		DataDir:   v.GetString("data_dir"),
		ResumeDir: v.GetString("resume_dir"),
		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),
	}
}

func profileFromViper(v *viper.Viper) domain.EngineProfile {
	return domain.EngineProfile{
		Version:                       v.GetInt("profile.version"),
		GlobalDownloadRateBytesPerSec: v.GetInt64("profile.global_download_rate_bytes_per_sec"),
		GlobalUploadRateBytesPerSec:   v.GetInt64("profile.global_upload_rate_bytes_per_sec"),
		ZeroCapMeansUnlimited:         v.GetBool("profile.zero_cap_means_unlimited"),
		MaxConnectionsGlobal:          v.GetInt("profile.max_connections_global"),
		MaxConnectionsPerTorrent:      v.GetInt("profile.max_connections_per_torrent"),
		UnchokeSlots:                  v.GetInt("profile.unchoke_slots"),
		SeedRatioLimit:                v.GetFloat64("profile.seed_ratio_limit"),
		SeedTimeLimit:                 v.GetDuration("profile.seed_time_limit"),
		DHTEnabled:                    v.GetBool("profile.dht_enabled"),
		PEXEnabled:                    v.GetBool("profile.pex_enabled"),
		LSDEnabled:                    v.GetBool("profile.lsd_enabled"),
		UPnPEnabled:                   v.GetBool("profile.upnp_enabled"),
		NATPMPEnabled:                 v.GetBool("profile.nat_pmp_enabled"),
		DHTBootstrapNodes:             v.GetStringSlice("profile.dht_bootstrap_nodes"),
		ListenInterfaces:              v.GetStringSlice("profile.listen_interfaces"),
		ListenPort:                    v.GetInt("profile.listen_port"),
		IPFilterCIDRs:                 v.GetStringSlice("profile.ip_filter_cidrs"),
		ProxyURL:                      v.GetString("profile.proxy_url"),
		ActiveTorrentLimit:            v.GetInt("profile.active_torrent_limit"),
		DiskCacheBytes:                v.GetInt64("profile.disk_cache_bytes"),
		StatsCadence:                  v.GetDuration("profile.stats_cadence"),
		AltSpeed: domain.AltSpeedSchedule{
			Enabled:             v.GetBool("profile.alt_speed.enabled"),
			StartMinute:         v.GetInt("profile.alt_speed.start_minute"),
			EndMinute:           v.GetInt("profile.alt_speed.end_minute"),
			Weekdays:            uint8(v.GetUint("profile.alt_speed.weekdays")),
			DownloadBytesPerSec: v.GetInt64("profile.alt_speed.download_bytes_per_sec"),
			UploadBytesPerSec:   v.GetInt64("profile.alt_speed.upload_bytes_per_sec"),
		},
	}
}

// Watcher implements ports.ConfigWatcher on top of a *viper.Viper,
// republishing a freshly-read EngineProfile on every config file write.
type Watcher struct {
	v *viper.Viper
}

func NewWatcher(v *viper.Viper) *Watcher {
	return &Watcher{v: v}
}

func (w *Watcher) Load(ctx context.Context) (domain.EngineProfile, error) {
	if err := w.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return domain.EngineProfile{}, fmt.Errorf("config: read: %w", err)
		}
	}
	return profileFromViper(w.v), nil
}

func (w *Watcher) Watch(ctx context.Context) (<-chan domain.EngineProfile, error) {
	out := make(chan domain.EngineProfile, 1)
	changed := make(chan struct{}, 1)

	w.v.OnConfigChange(func(_ fsnotify.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	w.v.WatchConfig()

	go func() {
		defer close(out)
		debounce := time.NewTicker(250 * time.Millisecond)
		defer debounce.Stop()
		pending := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				pending = true
			case <-debounce.C:
				if !pending {
					continue
				}
				pending = false
				select {
				case out <- profileFromViper(w.v):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
