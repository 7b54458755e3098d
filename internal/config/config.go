package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caretrack/go-chatclient/internal/types"
)

type Config struct {
	ServerURL string
	LocalUser string
	DataDir   string
	// IDSuffix is the environment-specific identifier suffix separator;
	// empty means identifiers are compared verbatim.
	IDSuffix        string
	HistoryPageSize int
	HistoryTimeout  time.Duration
}

const defaultHistoryPageSize = 50

func NewConfig(serverURL, localUser, dataDir string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if localUser == "" {
		return nil, fmt.Errorf("local user cannot be empty")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}

	return &Config{
		ServerURL:       serverURL,
		LocalUser:       localUser,
		DataDir:         dataDir,
		HistoryPageSize: defaultHistoryPageSize,
	}, nil
}

// Normalizer returns the identifier normalization derived from IDSuffix.
func (c *Config) Normalizer() types.Normalizer {
	return types.SuffixNormalizer(c.IDSuffix)
}

func (c *Config) GreetingDBPath() string {
	return filepath.Join(c.DataDir, "greetings.db")
}

func (c *Config) TokenPath() string {
	return filepath.Join(c.DataDir, "session.token")
}
