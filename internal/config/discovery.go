package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiscoverConfigPath finds the config file using standard locations:
//  1. JOURNEYMAN_CONFIG environment variable
//  2. ~/.config/journeyman/config.yaml
//  3. /etc/journeyman/config.yaml
//  4. ./config.yaml (current directory)
func DiscoverConfigPath() (string, error) {
	if envPath := os.Getenv("JOURNEYMAN_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("JOURNEYMAN_CONFIG points to missing file: %s", envPath)
		}
		return envPath, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".config", "journeyman", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}

	systemPath := "/etc/journeyman/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath, nil
	}

	localPath := "./config.yaml"
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	return "", fmt.Errorf("no config file found\n" +
		"Searched:\n" +
		"  $JOURNEYMAN_CONFIG\n" +
		"  ~/.config/journeyman/config.yaml\n" +
		"  /etc/journeyman/config.yaml\n" +
		"  ./config.yaml")
}
