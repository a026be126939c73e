package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const defaultHostname = "localhost"

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables already set in the environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Hostname returns the hostname the relay should identify as.
// Preference order: SMTP_HOSTNAME env var, system hostname, fallback.
func Hostname() string {
	if env := os.Getenv("SMTP_HOSTNAME"); env != "" {
		return env
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}
