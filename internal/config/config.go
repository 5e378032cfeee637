// Package config loads mccache's tunables from a TOML file section
// `[tool.mccache]`, then overlays process environment variables, which
// win over the file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable the engine and its caches accept. Field
// names track the TOML keys; JSON-ish snake_case is kept intentionally
// since it is what operators will see in the file and in MCCACHE_*
// env names.
type Config struct {
	CacheTTL       time.Duration `toml:"-"`
	CacheTTLSecs   int64         `toml:"cache_ttl"`
	CacheMax       int           `toml:"cache_max"`
	CacheSize      int64         `toml:"cache_size"`
	CachePulse     int           `toml:"cache_pulse"`  // reserved, no-op
	CacheMode      int           `toml:"cache_mode"`   // reserved, no-op
	Congestion     int           `toml:"congestion"`   // reserved, no-op
	CryptoKey      string        `toml:"crypto_key"`
	PacketMTU      int           `toml:"packet_mtu"`
	PacketPace     time.Duration `toml:"-"`
	PacketPaceSecs float64       `toml:"packet_pace"`
	MulticastIP    string        `toml:"multicast_ip"`
	MulticastPort  int           `toml:"multicast_port"`
	MulticastHops  int           `toml:"multicast_hops"`
	CallbackWin    time.Duration `toml:"-"`
	CallbackWinSecs float64      `toml:"callback_win"`
	MonkeyTantrum  int           `toml:"monkey_tantrum"`
	DaemonSleep    time.Duration `toml:"-"`
	DaemonSleepSecs float64      `toml:"daemon_sleep"`
}

type tomlFile struct {
	Tool struct {
		MCCache Config `toml:"mccache"`
	} `toml:"tool"`
}

// Default returns the built-in default configuration.
func Default() Config {
	return Config{
		CacheTTL:      3600 * time.Second,
		CacheMax:      256,
		CacheSize:     8 << 20, // 8 MiB
		CachePulse:    5,
		CacheMode:     1,
		Congestion:    25,
		CryptoKey:     "",
		PacketMTU:     1472,
		PacketPace:    100 * time.Millisecond,
		MulticastIP:   "224.0.0.3",
		MulticastPort: 4000,
		MulticastHops: 3,
		CallbackWin:   5 * time.Second,
		MonkeyTantrum: 0,
		DaemonSleep:   time.Second,
	}
}

// Load reads path (if non-empty and present) as a TOML file containing
// a `[tool.mccache]` table, starting from Default(), then overlays any
// MCCACHE_* environment variables, which always win. path may be empty
// to skip the file entirely and load from defaults+environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var f tomlFile
			// Seed the embedded struct with current defaults so that a
			// partial TOML file does not zero out unspecified fields.
			f.Tool.MCCache = cfg
			if _, err := toml.DecodeFile(path, &f); err != nil {
				return cfg, fmt.Errorf("mccache: parsing config file %s: %w", path, err)
			}
			cfg = f.Tool.MCCache
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("mccache: stat config file %s: %w", path, err)
		}
	}

	cfg.applySeconds()
	cfg.overlayEnv()
	cfg.applySeconds()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applySeconds reconciles the TOML-friendly numeric seconds fields
// with their time.Duration counterparts in both directions, so that
// code written before or after a TOML decode sees consistent values.
func (c *Config) applySeconds() {
	if c.CacheTTLSecs != 0 {
		c.CacheTTL = time.Duration(c.CacheTTLSecs) * time.Second
	} else if c.CacheTTL != 0 {
		c.CacheTTLSecs = int64(c.CacheTTL / time.Second)
	}
	if c.PacketPaceSecs != 0 {
		c.PacketPace = time.Duration(c.PacketPaceSecs * float64(time.Second))
	} else if c.PacketPace != 0 {
		c.PacketPaceSecs = c.PacketPace.Seconds()
	}
	if c.CallbackWinSecs != 0 {
		c.CallbackWin = time.Duration(c.CallbackWinSecs * float64(time.Second))
	} else if c.CallbackWin != 0 {
		c.CallbackWinSecs = c.CallbackWin.Seconds()
	}
	if c.DaemonSleepSecs != 0 {
		c.DaemonSleep = time.Duration(c.DaemonSleepSecs * float64(time.Second))
	} else if c.DaemonSleep != 0 {
		c.DaemonSleepSecs = c.DaemonSleep.Seconds()
	}
}

func (c *Config) overlayEnv() {
	if v, ok := os.LookupEnv("MCCACHE_CACHE_TTL"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CacheTTL = time.Duration(n) * time.Second
			c.CacheTTLSecs = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_CACHE_MAX"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.CacheMax = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_CACHE_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CacheSize = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_CACHE_PULSE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.CachePulse = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_CACHE_MODE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.CacheMode = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_CONGESTION"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Congestion = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_CRYPTO_KEY"); ok {
		c.CryptoKey = v
	}
	if v, ok := os.LookupEnv("MCCACHE_PACKET_MTU"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.PacketMTU = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_PACKET_PACE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.PacketPace = time.Duration(f * float64(time.Second))
			c.PacketPaceSecs = f
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_MULTICAST_IP"); ok {
		c.MulticastIP = v
	}
	if v, ok := os.LookupEnv("MCCACHE_MULTICAST_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MulticastPort = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_MULTICAST_HOPS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MulticastHops = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_CALLBACK_WIN"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.CallbackWin = time.Duration(f * float64(time.Second))
			c.CallbackWinSecs = f
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_MONKEY_TANTRUM"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MonkeyTantrum = n
		}
	}
	if v, ok := os.LookupEnv("MCCACHE_DAEMON_SLEEP"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DaemonSleep = time.Duration(f * float64(time.Second))
			c.DaemonSleepSecs = f
		}
	}
}

// Validate rejects configurations that would violate wire or protocol
// invariants before the engine ever opens a socket.
func (c Config) Validate() error {
	if c.PacketMTU <= 18 {
		return fmt.Errorf("mccache: packet_mtu %d too small to carry the 18-byte fragment header", c.PacketMTU)
	}
	ip := net.ParseIP(c.MulticastIP)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("mccache: multicast_ip %q is not a valid IANA multicast address", c.MulticastIP)
	}
	if c.MulticastPort <= 0 || c.MulticastPort > 65535 {
		return fmt.Errorf("mccache: multicast_port %d out of range", c.MulticastPort)
	}
	if c.MonkeyTantrum < 0 || c.MonkeyTantrum > 99 {
		return fmt.Errorf("mccache: monkey_tantrum %d must be in [0,99]", c.MonkeyTantrum)
	}
	if c.CacheMax < 0 {
		return fmt.Errorf("mccache: cache_max must not be negative")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("mccache: cache_size must not be negative")
	}
	return nil
}
