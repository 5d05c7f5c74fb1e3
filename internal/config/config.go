// Package config loads the TOML configuration of the groupseal binaries and
// resolves the per-user data directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"groupseal/internal/logging"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sessionkey"
	"groupseal/internal/sui"
	"groupseal/internal/threshold"
	"groupseal/internal/timeauth"
)

const (
	AppName  = "groupseal"
	FileName = "config.toml"

	DefaultRPCURL    = "https://fullnode.testnet.sui.io:443"
	DefaultThreshold = 2
)

// DefaultPackageID is the group package on Sui testnet.
var DefaultPackageID = sui.MustParseAddress("0x984960ebddd75c15c6d38355ac462621db0ffc7d6647214c802cd3b685e1af3d")

// Duration reads Go duration strings such as "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// KeyServer is one [[key_servers]] entry.
type KeyServer struct {
	ObjectID sui.ObjectID `toml:"object_id"`
	URL      string       `toml:"url"`
	Weight   int          `toml:"weight"`
	// PublicKey is optional hex; when empty it is fetched from the server.
	PublicKey string `toml:"public_key"`
}

type Drand struct {
	Network   string `toml:"network"`
	URL       string `toml:"url"`
	ChainHash string `toml:"chain_hash"`
}

// Client configures cmd/groupseal.
type Client struct {
	PackageID  sui.ObjectID   `toml:"package_id"`
	RPCURL     string         `toml:"rpc_url"`
	Threshold  int            `toml:"threshold"`
	SessionTTL Duration       `toml:"session_ttl"`
	Timeout    Duration       `toml:"timeout"`
	// KeyCache is the user-key cache size, 0 to disable. Cached keys skip
	// the servers' membership check for the rest of the session.
	KeyCache   int            `toml:"key_cache"`
	DataDir    string         `toml:"data_dir"`
	KeyServers []KeyServer    `toml:"key_servers"`
	Drand      Drand          `toml:"drand"`
	Log        logging.Config `toml:"log"`
}

// DefaultClient targets the testnet key servers.
func DefaultClient() Client {
	q := timeauth.Quicknet()
	return Client{
		PackageID:  DefaultPackageID,
		RPCURL:     DefaultRPCURL,
		Threshold:  DefaultThreshold,
		SessionTTL: Duration{sessionkey.DefaultTTL},
		Timeout:    Duration{threshold.DefaultTimeout},
		KeyServers: []KeyServer{
			{
				ObjectID: sui.MustParseAddress("0x73d05d62c18d9374e3ea529e8e0ed6161da1a141a94d3f76ae3fe4e99356db75"),
				URL:      "https://seal-key-server-testnet-1.mystenlabs.com",
				Weight:   1,
			},
			{
				ObjectID: sui.MustParseAddress("0xf5d14a81a982144ae441cd7d64b09027f116a468bd36e7eca494f750591623c8"),
				URL:      "https://seal-key-server-testnet-2.mystenlabs.com",
				Weight:   1,
			},
		},
		Drand: Drand{Network: q.Network, URL: q.URL, ChainHash: q.ChainHash},
	}
}

// LoadClient reads path over the defaults. A [[key_servers]] list replaces
// the default servers; an omitted weight is 1. A missing file yields the
// defaults when optional is set.
func LoadClient(path string, optional bool) (Client, error) {
	cfg := DefaultClient()
	servers := cfg.KeyServers
	cfg.KeyServers = nil
	if err := decodeFile(path, &cfg, optional); err != nil {
		return Client{}, err
	}
	if len(cfg.KeyServers) == 0 {
		cfg.KeyServers = servers
	}
	for i := range cfg.KeyServers {
		if cfg.KeyServers[i].Weight == 0 {
			cfg.KeyServers[i].Weight = 1
		}
	}
	if err := cfg.Validate(); err != nil {
		return Client{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Client) Validate() error {
	if c.PackageID.IsZero() {
		return errors.New("package_id is required")
	}
	if len(c.KeyServers) == 0 {
		return errors.New("at least one [[key_servers]] entry is required")
	}
	total := 0
	for i, ks := range c.KeyServers {
		if ks.ObjectID.IsZero() || ks.URL == "" {
			return fmt.Errorf("key_servers[%d]: object_id and url are required", i)
		}
		if ks.Weight < 1 {
			return fmt.Errorf("key_servers[%d]: weight must be at least 1", i)
		}
		total += ks.Weight
	}
	if c.Threshold < 1 || c.Threshold > total {
		return fmt.Errorf("threshold %d must be between 1 and total weight %d", c.Threshold, total)
	}
	if c.Timeout.Duration <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// ServerConfigs converts the key server list for threshold.NewClient.
func (c Client) ServerConfigs() ([]threshold.ServerConfig, error) {
	out := make([]threshold.ServerConfig, 0, len(c.KeyServers))
	for i, ks := range c.KeyServers {
		sc := threshold.ServerConfig{ObjectID: ks.ObjectID, URL: ks.URL, Weight: ks.Weight}
		if ks.PublicKey != "" {
			pk, err := hexutil.Decode(ks.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("key_servers[%d]: invalid public_key: %w", i, err)
			}
			sc.PublicKey = pk
		}
		out = append(out, sc)
	}
	return out, nil
}

// DrandConfig converts the [drand] table.
func (c Client) DrandConfig() timeauth.DrandConfig {
	return timeauth.DrandConfig{Network: c.Drand.Network, URL: c.Drand.URL, ChainHash: c.Drand.ChainHash}
}

// ResolveDataDir returns DataDir if set, else the platform default.
func (c Client) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	return DataDir()
}

// KeyServerConfig configures cmd/keyserver.
type KeyServerConfig struct {
	Listen   string       `toml:"listen"`
	ObjectID sui.ObjectID `toml:"object_id"`
	// MasterKey is the hex scalar. MasterKeyFile, if set, holds the same.
	MasterKey     string         `toml:"master_key"`
	MasterKeyFile string         `toml:"master_key_file"`
	RPCURL        string         `toml:"rpc_url"`
	Packages      []sui.ObjectID `toml:"packages"`
	Log           logging.Config `toml:"log"`
}

func DefaultKeyServer() KeyServerConfig {
	return KeyServerConfig{Listen: ":2024", RPCURL: DefaultRPCURL}
}

func LoadKeyServer(path string) (KeyServerConfig, error) {
	cfg := DefaultKeyServer()
	if err := decodeFile(path, &cfg, false); err != nil {
		return KeyServerConfig{}, err
	}
	if cfg.ObjectID.IsZero() {
		return KeyServerConfig{}, fmt.Errorf("%s: object_id is required", path)
	}
	if cfg.MasterKey == "" && cfg.MasterKeyFile == "" {
		return KeyServerConfig{}, fmt.Errorf("%s: master_key or master_key_file is required", path)
	}
	return cfg, nil
}

// LoadMasterKey decodes the configured master key.
func (c KeyServerConfig) LoadMasterKey() (*sealcrypto.MasterKey, error) {
	text := c.MasterKey
	if c.MasterKeyFile != "" {
		b, err := os.ReadFile(c.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key: %w", err)
		}
		text = string(bytes.TrimSpace(b))
	}
	if len(text) < 2 || text[:2] != "0x" {
		text = "0x" + text
	}
	raw, err := hexutil.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	return sealcrypto.MasterKeyFromBytes(raw)
}

func decodeFile(path string, v any, optional bool) error {
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}

// DataDir returns the OS-appropriate base directory for groupseal data.
func DataDir() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot get home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", AppName), nil

	case "windows":
		appData := os.Getenv("AppData")
		if appData == "" {
			return "", errors.New("AppData environment variable not set")
		}
		return filepath.Join(appData, AppName), nil

	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot get home directory: %w", err)
		}
		return filepath.Join(home, ".local", "share", AppName), nil
	}
}
