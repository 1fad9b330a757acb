package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// LoadYAMLFile reads a RawSnapshot from a YAML configuration file, having
// first loaded a ".env" file (if present) so SecretRef{Environment: ...}
// references and CONFIG_FILE_PATH itself can be supplied locally — the
// same precedence the teacher's config.Load used for flat env vars.
func LoadYAMLFile(path string) (RawSnapshot, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return RawSnapshot{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw RawSnapshot
	if err := v.Unmarshal(&raw); err != nil {
		return RawSnapshot{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	return raw, nil
}

// ConfigFilePath resolves which YAML file to load, defaulting to
// "config.yaml" in the working directory.
func ConfigFilePath() string {
	if p := os.Getenv("CONFIG_FILE_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = gotenv.Load(path)
}
