// Package config loads cluster configuration from a YAML file, then
// layers environment variable overrides on top, following the
// precedence the teacher's cmd/main.go uses for its own getEnv/getEnvInt
// helpers (env always wins over a file default).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vncache/vncache/internal/apperrors"
	"github.com/vncache/vncache/internal/authn"
)

// Cluster is the typed form of §6's configuration table (ClusterConfig).
type Cluster struct {
	MaxCache   int `yaml:"max_cache"`
	Buckets    int `yaml:"buckets"`

	MaxMessageSize int `yaml:"max_message_size"`
	BufferRecvMax  int `yaml:"buffer_recv_max"`
	BufferRecvMin  int `yaml:"buffer_recv_min"`
	BufferHeaderMax int `yaml:"buffer_header_max"`
	BufferHeaderMin int `yaml:"buffer_header_min"`

	DiscoveryIntervalSec  int `yaml:"discovery_interval_sec"`
	MaxPeers              int `yaml:"max_peers"`
	MaxQueueDepth         int `yaml:"max_queue_depth"`
	QueuePurgeIntervalSec int `yaml:"queue_purge_interval_sec"`

	VerifyIP  bool   `yaml:"verify_ip"`
	ConnectPath   string `yaml:"connect_path"`
	DiscoveryPath string `yaml:"discovery_path"`
	WellKnownPath string `yaml:"well_known_path"`

	MaxConcurrentConnections int `yaml:"max_concurrent_connections"`

	KnownPeers []PeerRef `yaml:"known_peers"`

	ListenAddr string `yaml:"listen_addr"`
	NodeID     string `yaml:"node_id"`
	ConnectURL string `yaml:"connect_url"`
	DiscoveryURL string `yaml:"discovery_url"`

	Identity Identity `yaml:"identity"`

	BackingStore BackingStore `yaml:"backing_store"`
}

// PeerRef is one entry of known_peers: enough to seed a discovery walk
// before this node has talked to anyone.
type PeerRef struct {
	NodeID     string `yaml:"node_id"`
	ConnectURL string `yaml:"connect_url"`
}

// Identity names the PEM files the keystore loads at startup (§3's
// NodeIdentity, expanded with file paths rather than raw key material).
type Identity struct {
	PrivateKeyFile   string   `yaml:"private_key_file"`
	TrustedClientKeyFiles []string `yaml:"trusted_client_key_files"`
	TrustedPeerKeyFiles   []string `yaml:"trusted_peer_key_files"`
}

// BackingStore configures the optional Redis-backed second tier (§4.L).
type BackingStore struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Defaults returns a Cluster pre-filled with the values the teacher's
// config loading uses as fallbacks: conservative, safe for a single
// node with no peers.
func Defaults() Cluster {
	return Cluster{
		MaxCache:                 10000,
		Buckets:                  64,
		MaxMessageSize:           1 << 20,
		BufferRecvMax:            1 << 20,
		BufferRecvMin:            1 << 12,
		BufferHeaderMax:          1 << 16,
		BufferHeaderMin:          1 << 8,
		DiscoveryIntervalSec:     30,
		MaxPeers:                 32,
		MaxQueueDepth:            1024,
		QueuePurgeIntervalSec:    300,
		VerifyIP:                 false,
		ConnectPath:              "/connect",
		DiscoveryPath:            "/discovery",
		WellKnownPath:            "/.well-known/vncache",
		MaxConcurrentConnections: 0,
		ListenAddr:               ":7380",
	}
}

// Load reads a YAML file (if path is non-empty) over the defaults, then
// applies environment variable overrides.
func Load(path string) (Cluster, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Cluster{}, apperrors.Fatal("failed to read configuration file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Cluster{}, apperrors.Fatal("failed to parse configuration file", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Cluster{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Cluster) {
	cfg.MaxCache = getEnvInt("VNCACHE_MAX_CACHE", cfg.MaxCache)
	cfg.Buckets = getEnvInt("VNCACHE_BUCKETS", cfg.Buckets)
	cfg.MaxMessageSize = getEnvInt("VNCACHE_MAX_MESSAGE_SIZE", cfg.MaxMessageSize)
	cfg.BufferRecvMax = getEnvInt("VNCACHE_BUFFER_RECV_MAX", cfg.BufferRecvMax)
	cfg.BufferRecvMin = getEnvInt("VNCACHE_BUFFER_RECV_MIN", cfg.BufferRecvMin)
	cfg.BufferHeaderMax = getEnvInt("VNCACHE_BUFFER_HEADER_MAX", cfg.BufferHeaderMax)
	cfg.BufferHeaderMin = getEnvInt("VNCACHE_BUFFER_HEADER_MIN", cfg.BufferHeaderMin)
	cfg.DiscoveryIntervalSec = getEnvInt("VNCACHE_DISCOVERY_INTERVAL_SEC", cfg.DiscoveryIntervalSec)
	cfg.MaxPeers = getEnvInt("VNCACHE_MAX_PEERS", cfg.MaxPeers)
	cfg.MaxQueueDepth = getEnvInt("VNCACHE_MAX_QUEUE_DEPTH", cfg.MaxQueueDepth)
	cfg.QueuePurgeIntervalSec = getEnvInt("VNCACHE_QUEUE_PURGE_INTERVAL_SEC", cfg.QueuePurgeIntervalSec)
	cfg.VerifyIP = getEnvBool("VNCACHE_VERIFY_IP", cfg.VerifyIP)
	cfg.ConnectPath = getEnv("VNCACHE_CONNECT_PATH", cfg.ConnectPath)
	cfg.DiscoveryPath = getEnv("VNCACHE_DISCOVERY_PATH", cfg.DiscoveryPath)
	cfg.WellKnownPath = getEnv("VNCACHE_WELL_KNOWN_PATH", cfg.WellKnownPath)
	cfg.MaxConcurrentConnections = getEnvInt("VNCACHE_MAX_CONCURRENT_CONNECTIONS", cfg.MaxConcurrentConnections)
	cfg.ListenAddr = getEnv("VNCACHE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.NodeID = getEnv("VNCACHE_NODE_ID", cfg.NodeID)
	cfg.ConnectURL = getEnv("VNCACHE_CONNECT_URL", cfg.ConnectURL)
	cfg.DiscoveryURL = getEnv("VNCACHE_DISCOVERY_URL", cfg.DiscoveryURL)

	if raw := os.Getenv("VNCACHE_KNOWN_PEERS"); raw != "" {
		cfg.KnownPeers = parseKnownPeers(raw)
	}

	cfg.Identity.PrivateKeyFile = getEnv("VNCACHE_PRIVATE_KEY_FILE", cfg.Identity.PrivateKeyFile)
	if raw := os.Getenv("VNCACHE_TRUSTED_CLIENT_KEY_FILES"); raw != "" {
		cfg.Identity.TrustedClientKeyFiles = strings.Split(raw, ",")
	}
	if raw := os.Getenv("VNCACHE_TRUSTED_PEER_KEY_FILES"); raw != "" {
		cfg.Identity.TrustedPeerKeyFiles = strings.Split(raw, ",")
	}

	cfg.BackingStore.Enabled = getEnvBool("VNCACHE_BACKING_STORE_ENABLED", cfg.BackingStore.Enabled)
	cfg.BackingStore.Addr = getEnv("VNCACHE_BACKING_STORE_ADDR", cfg.BackingStore.Addr)
	cfg.BackingStore.Password = getEnv("VNCACHE_BACKING_STORE_PASSWORD", cfg.BackingStore.Password)
	cfg.BackingStore.DB = getEnvInt("VNCACHE_BACKING_STORE_DB", cfg.BackingStore.DB)
}

// parseKnownPeers accepts "nodeID=url,nodeID=url" pairs, the same shape
// the teacher uses for its comma-separated CORS_ALLOWED_ORIGINS override.
func parseKnownPeers(raw string) []PeerRef {
	var peers []PeerRef
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		peers = append(peers, PeerRef{NodeID: strings.TrimSpace(parts[0]), ConnectURL: strings.TrimSpace(parts[1])})
	}
	return peers
}

func validate(cfg Cluster) error {
	if cfg.Buckets <= 0 {
		return apperrors.Fatal("buckets must be positive", fmt.Errorf("buckets=%d", cfg.Buckets))
	}
	if cfg.MaxCache <= 0 {
		return apperrors.Fatal("max_cache must be positive", fmt.Errorf("max_cache=%d", cfg.MaxCache))
	}
	if cfg.BufferRecvMin > cfg.BufferRecvMax {
		return apperrors.Fatal("buffer_recv_min must not exceed buffer_recv_max", nil)
	}
	if cfg.BufferHeaderMin > cfg.BufferHeaderMax {
		return apperrors.Fatal("buffer_header_min must not exceed buffer_header_max", nil)
	}
	if cfg.NodeID == "" {
		return apperrors.Fatal("node_id is required", nil)
	}
	if cfg.ConnectURL == "" {
		return apperrors.Fatal("connect_url is required", nil)
	}
	return nil
}

// SelfAdvertisement builds this node's own advertisement from the loaded
// configuration, the shape component I serves from the well-known route.
func (c Cluster) SelfAdvertisement() authn.Advertisement {
	return authn.Advertisement{
		NodeID:       c.NodeID,
		ConnectURL:   c.ConnectURL,
		DiscoveryURL: c.DiscoveryURL,
	}
}

// BufferLimits converts the configured buffer bounds into the shape
// negotiation clamps client-suggested values into (§4.D).
func (c Cluster) BufferLimits() authn.BufferLimits {
	return authn.BufferLimits{
		RecvMin:   c.BufferRecvMin,
		RecvMax:   c.BufferRecvMax,
		HeaderMin: c.BufferHeaderMin,
		HeaderMax: c.BufferHeaderMax,
		Message:   c.MaxMessageSize,
	}
}

// KnownPeerAdvertisements converts the configured seed peers into the
// shape the discovery sweep's breadth-first walk starts from.
func (c Cluster) KnownPeerAdvertisements() []authn.Advertisement {
	ads := make([]authn.Advertisement, 0, len(c.KnownPeers))
	for _, p := range c.KnownPeers {
		ads = append(ads, authn.Advertisement{NodeID: p.NodeID, ConnectURL: p.ConnectURL})
	}
	return ads
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true"
	}
	return defaultValue
}
