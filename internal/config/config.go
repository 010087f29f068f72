// Package config loads blockwire settings from YAML with BLOCKWIRE_* overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"dev.c0redev.blockwire/internal/crypto"
	"dev.c0redev.blockwire/internal/logging"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// Network is tcp or quic.
	Network string `yaml:"network"`
	// Addr: listen address (server) or peer address (client).
	Addr         string         `yaml:"addr"`
	DB           string         `yaml:"db"`
	MaxFrameSize int64          `yaml:"max_frame_size"`
	Cipher       Cipher         `yaml:"cipher"`
	RateLimit    RateLimit      `yaml:"rate_limit"`
	API          API            `yaml:"api"`
	Log          logging.Config `yaml:"log"`
}

// Cipher: the pre-shared secret is hex; both directions derive from it.
type Cipher struct {
	Enabled     bool   `yaml:"enabled"`
	Secret      string `yaml:"secret"`
	SecretFile  string `yaml:"secret_file"`
	Suite       string `yaml:"suite"`
	SegmentSize int    `yaml:"segment_size"`
}

type RateLimit struct {
	BytesPerSec float64 `yaml:"bytes_per_sec"`
	Burst       int     `yaml:"burst"`
}

// API: admin HTTP (health, metrics, block registration). Empty Addr disables it.
type API struct {
	Addr      string `yaml:"addr"`
	TokenHash string `yaml:"token_hash"`
}

func Default() *Config {
	return &Config{
		Network: "tcp",
		Addr:    "127.0.0.1:7337",
		DB:      "blockwire.db",
		Cipher:  Cipher{Suite: "aes-gcm", SegmentSize: crypto.DefaultSegmentSize},
		Log:     logging.Config{Level: "info", Format: "text"},
	}
}

// Load reads path (missing file = defaults; "" skips the file), applies the
// environment and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv("BLOCKWIRE_" + key); v != "" {
			*dst = v
		}
	}
	str("NETWORK", &c.Network)
	str("ADDR", &c.Addr)
	str("DB", &c.DB)
	str("CIPHER_SECRET", &c.Cipher.Secret)
	str("CIPHER_SECRET_FILE", &c.Cipher.SecretFile)
	str("CIPHER_SUITE", &c.Cipher.Suite)
	str("API_ADDR", &c.API.Addr)
	str("API_TOKEN_HASH", &c.API.TokenHash)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if v := getenv("BLOCKWIRE_CIPHER"); v != "" {
		c.Cipher.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	var err error
	num := func(key string, set func(string) error) {
		if v := getenv("BLOCKWIRE_" + key); v != "" && err == nil {
			if e := set(v); e != nil {
				err = fmt.Errorf("%w: BLOCKWIRE_%s=%q: %v", ErrInvalid, key, v, e)
			}
		}
	}
	num("SEGMENT_SIZE", func(v string) (e error) { c.Cipher.SegmentSize, e = strconv.Atoi(v); return })
	num("MAX_FRAME_SIZE", func(v string) (e error) { c.MaxFrameSize, e = strconv.ParseInt(v, 10, 64); return })
	num("RATE_LIMIT", func(v string) (e error) { c.RateLimit.BytesPerSec, e = strconv.ParseFloat(v, 64); return })
	num("RATE_BURST", func(v string) (e error) { c.RateLimit.Burst, e = strconv.Atoi(v); return })
	return err
}

func (c *Config) Validate() error {
	switch c.Network {
	case "tcp", "quic":
	default:
		return fmt.Errorf("%w: network %q", ErrInvalid, c.Network)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: empty addr", ErrInvalid)
	}
	if c.MaxFrameSize < 0 || c.RateLimit.BytesPerSec < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !c.Cipher.Enabled {
		return nil
	}
	if c.Cipher.Secret != "" && c.Cipher.SecretFile != "" {
		return fmt.Errorf("%w: cipher secret and secret_file are exclusive", ErrInvalid)
	}
	if c.Cipher.Secret == "" && c.Cipher.SecretFile == "" {
		return fmt.Errorf("%w: cipher enabled without a secret", ErrInvalid)
	}
	if _, err := crypto.ParseSuite(c.Cipher.Suite); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s := c.Cipher.SegmentSize; s != 0 && (s <= crypto.TagSize || s > crypto.MaxSegmentSize) {
		return fmt.Errorf("%w: segment_size %d", ErrInvalid, s)
	}
	return nil
}

// KeyRing derives this side's cipher keys, or nil when the cipher is off.
func (c *Config) KeyRing(server bool) (*crypto.KeyRing, error) {
	if !c.Cipher.Enabled {
		return nil, nil
	}
	raw := c.Cipher.Secret
	if c.Cipher.SecretFile != "" {
		b, err := os.ReadFile(c.Cipher.SecretFile)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: cipher secret is not hex: %v", ErrInvalid, err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: cipher secret shorter than 16 bytes", ErrInvalid)
	}
	suite, _ := crypto.ParseSuite(c.Cipher.Suite)
	return crypto.NewKeyRing(secret, server, suite, c.Cipher.SegmentSize)
}
