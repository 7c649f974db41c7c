package auth

import "github.com/ubuygold/gpugate/internal/config"

func configForTest() config.DatabaseConfig {
	return config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"}
}
