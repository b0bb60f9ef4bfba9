// Package testutil provides environment loading for integration tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// LoadTestEnv points DATABASE_URL at the test database. A DATABASE_URL
// already present in the environment (CI) wins; otherwise the nearest
// .env.test file supplies it via TEST_DATABASE_URL.
func LoadTestEnv(t *testing.T) {
	t.Helper()

	if os.Getenv("DATABASE_URL") != "" {
		return
	}

	envPath := findEnvTestFile()
	if envPath == "" {
		t.Log(".env.test not found, using environment as-is")
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Failed to read %s: %v", envPath, err)
		return
	}

	if testDBURL, ok := envMap["TEST_DATABASE_URL"]; ok {
		os.Setenv("DATABASE_URL", testDBURL)
	}
}

// findEnvTestFile walks up from the working directory looking for .env.test,
// so tests find it from any package depth.
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
