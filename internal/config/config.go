package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port       string
	DBPath     string
	OllamaHost string
	Model      string

	// TitleModel is used for conversation auto-titling via the
	// OpenAI-compatible endpoint. Defaults to Model.
	TitleModel string

	// HistoryTokenBudget caps the token count of the history projected
	// upstream. Zero means unlimited.
	HistoryTokenBudget int

	// FragmentTimeout bounds the wait for the next upstream fragment.
	// Zero relies on the underlying connection's own timeout.
	FragmentTimeout time.Duration
}

func Load() (*Config, error) {
	// Missing .env is fine; system environment still applies.
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "3000"),
		DBPath:             getEnv("DB_PATH", "voice-chat.db"),
		OllamaHost:         getEnv("OLLAMA_HOST", "http://localhost:11434"),
		Model:              getEnv("OLLAMA_MODEL", "llama3.1:8b-instruct-q4_K_M"),
		HistoryTokenBudget: getEnvInt("HISTORY_TOKEN_BUDGET", 0),
		FragmentTimeout:    time.Duration(getEnvInt("FRAGMENT_TIMEOUT_SECONDS", 0)) * time.Second,
	}
	cfg.TitleModel = getEnv("TITLE_MODEL", cfg.Model)
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
