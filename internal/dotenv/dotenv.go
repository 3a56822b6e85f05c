// Package dotenv seeds the process environment from dotenv files before the
// gateway reads its configuration.
package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// FileEnv names an extra dotenv file loaded ahead of the defaults.
const FileEnv = "VOICE_ENV_FILE"

// DefaultFiles returns the files the gateway loads at startup, most specific
// first: $VOICE_ENV_FILE, .env.local, .env.
func DefaultFiles() []string {
	files := make([]string, 0, 3)
	if p := os.Getenv(FileEnv); p != "" {
		files = append(files, p)
	}
	return append(files, ".env.local", ".env")
}

// Load loads each file in order. Variables already set, including those set
// by an earlier file, are never overwritten. Missing files are skipped.
func Load(paths ...string) error {
	for _, p := range paths {
		if err := LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads KEY=VALUE pairs from one file. A missing file is not an
// error.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}
