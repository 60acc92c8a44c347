package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/storyloom/gengate/internal/governor"
)

// credentialsFile mirrors the YAML layout of the credential pool file:
//
//	credentials:
//	  - id: primary
//	    secret: sk-...
//	    rpm: 3
//	    rpd: 500
//	  - id: spare
//	    secret_env: GENGATE_SPARE_SECRET
type credentialsFile struct {
	Credentials []credentialEntry `yaml:"credentials"`
}

type credentialEntry struct {
	ID        string `yaml:"id"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	RPM       int    `yaml:"rpm"`
	RPD       int    `yaml:"rpd"`
}

// LoadCredentials reads the credential pool from a YAML file. Entries may
// carry the secret inline or name an environment variable holding it.
func LoadCredentials(path string) ([]governor.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if len(f.Credentials) == 0 {
		return nil, fmt.Errorf("credentials file %s defines no credentials", path)
	}

	seen := make(map[string]bool, len(f.Credentials))
	creds := make([]governor.Credential, 0, len(f.Credentials))
	for i, e := range f.Credentials {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("credential %d has no id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate credential id %q", id)
		}
		seen[id] = true

		secret := e.Secret
		if secret == "" && e.SecretEnv != "" {
			secret = os.Getenv(e.SecretEnv)
			if secret == "" {
				return nil, fmt.Errorf("credential %q: environment variable %s is empty", id, e.SecretEnv)
			}
		}
		if secret == "" {
			return nil, fmt.Errorf("credential %q has no secret", id)
		}

		creds = append(creds, governor.Credential{
			ID:     id,
			Secret: secret,
			RPM:    e.RPM,
			RPD:    e.RPD,
		})
	}
	return creds, nil
}
