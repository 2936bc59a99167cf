package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"secops-toolkit/internal/config"
)

// Credentials holds the secrets the CLI reads from ~/.secops.toml.
type Credentials struct {
	SOAR      SOARCredentials      `toml:"soar"`
	MISP      MISPCredentials      `toml:"misp"`
	GTI       GTICredentials       `toml:"gti"`
	Chronicle ChronicleCredentials `toml:"chronicle"`
}

type SOARCredentials struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

type MISPCredentials struct {
	Server string `toml:"server"`
	APIKey string `toml:"api_key"`
}

type GTICredentials struct {
	APIKey string `toml:"api_key"`
}

type ChronicleCredentials struct {
	CredentialsFile string `toml:"credentials_file"`
	ProjectID       string `toml:"project_id"`
	CustomerID      string `toml:"customer_id"`
}

// DefaultCredentialsPath returns ~/.secops.toml, or "" without a home dir.
func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".secops.toml")
}

// LoadCredentials decodes path. An empty path reads the default file, which
// may be absent; an explicit path must exist.
func LoadCredentials(path string) (*Credentials, error) {
	creds := &Credentials{}
	explicit := path != ""
	if !explicit {
		path = DefaultCredentialsPath()
		if path == "" {
			return creds, nil
		}
	}

	md, err := toml.DecodeFile(path, creds)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return creds, nil
		}
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown keys %v", path, undecoded)
	}
	return creds, nil
}

// Apply fills configuration values that are still empty.
func (c *Credentials) Apply(cfg *config.Config) {
	fill(&cfg.SOAR.URL, c.SOAR.URL)
	fill(&cfg.SOAR.APIKey, c.SOAR.APIKey)
	fill(&cfg.Feeds.MISP.Server, c.MISP.Server)
	fill(&cfg.Feeds.MISP.APIKey, c.MISP.APIKey)
	fill(&cfg.Feeds.GTI.APIKey, c.GTI.APIKey)
	fill(&cfg.Chronicle.CredentialsFile, c.Chronicle.CredentialsFile)
	fill(&cfg.Chronicle.ProjectID, c.Chronicle.ProjectID)
	fill(&cfg.Chronicle.CustomerID, c.Chronicle.CustomerID)
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
