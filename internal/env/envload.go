package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvDotenvPath points at an explicit .env file and skips the upward search.
const EnvDotenvPath = "FARM_DOTENV"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads FARM_DOTENV, or else the first .env found walking up from the
// working directory. Variables already set in the process win. Subsequent
// calls are no-ops.
func Ensure() error {
	// go test stays hermetic unless GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load(strings.TrimSpace(os.Getenv(EnvDotenvPath)))
	})
	return loadErr
}

// LoadFile loads path immediately, for an explicit --env-file flag, and
// turns later Ensure calls into no-ops.
func LoadFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return Ensure()
	}
	if err := godotenv.Load(path); err != nil {
		return err
	}
	loadOnce.Do(func() {})
	loadedPath = path
	return nil
}

// LoadedPath returns the resolved .env path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

func load(explicit string) (string, error) {
	path := explicit
	if path == "" {
		found, err := findDotEnv()
		if err != nil {
			log.Debug().Err(err).Msg("farmagent: search .env failed")
			return "", err
		}
		path = found
	}
	if path == "" {
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("farmagent: load .env failed")
		return "", err
	}
	log.Debug().Str("dotenv", path).Msg("farmagent: loaded .env")
	return path, nil
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}
