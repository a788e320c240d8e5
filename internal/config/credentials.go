package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"compitutto/internal/run"
	"compitutto/internal/session"
)

// Credential variables.
const (
	EnvUsername = "CLASSEVIVA_USERNAME"
	EnvPassword = "CLASSEVIVA_PASSWORD"
)

// LoadCredentials reads the portal account from the environment. Values still
// missing are taken from the first .env file that has them, looked up next to
// configPath, then in the working directory and its parent. The environment
// always wins and is never modified.
func LoadCredentials(configPath string) (session.Credentials, error) {
	return loadCredentials(envFileCandidates(configPath))
}

func loadCredentials(envFiles []string) (session.Credentials, error) {
	creds := session.Credentials{
		Username: os.Getenv(EnvUsername),
		Password: os.Getenv(EnvPassword),
	}

	for _, path := range envFiles {
		if creds.Complete() {
			break
		}
		values, err := godotenv.Read(path)
		if err != nil {
			// Missing or unreadable .env files are skipped.
			continue
		}
		if creds.Username == "" {
			creds.Username = values[EnvUsername]
		}
		if creds.Password == "" {
			creds.Password = values[EnvPassword]
		}
	}

	if !creds.Complete() {
		var missing []string
		if creds.Username == "" {
			missing = append(missing, EnvUsername)
		}
		if creds.Password == "" {
			missing = append(missing, EnvPassword)
		}
		return creds, run.Failf(run.ErrPrecondition, run.ReasonMissingCredential, "%s", strings.Join(missing, ", "))
	}
	return creds, nil
}

func envFileCandidates(configPath string) []string {
	var dirs []string
	if configPath != "" {
		if abs, err := filepath.Abs(filepath.Dir(configPath)); err == nil {
			dirs = append(dirs, abs)
		}
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd, filepath.Dir(wd))
	}

	seen := make(map[string]bool, len(dirs))
	files := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if seen[dir] {
			continue
		}
		seen[dir] = true
		files = append(files, filepath.Join(dir, ".env"))
	}
	return files
}

// MaskedUser returns the username with all but its first two characters hidden.
func MaskedUser(c session.Credentials) string {
	if len(c.Username) <= 2 {
		return strings.Repeat("*", len(c.Username))
	}
	return c.Username[:2] + strings.Repeat("*", len(c.Username)-2)
}
