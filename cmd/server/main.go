package main

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/Code0Breaker/voice-app-test/internal/api"
	"github.com/Code0Breaker/voice-app-test/internal/config"
	"github.com/Code0Breaker/voice-app-test/internal/db"
	"github.com/Code0Breaker/voice-app-test/internal/llm"
	"github.com/Code0Breaker/voice-app-test/internal/ollama"
	"github.com/Code0Breaker/voice-app-test/internal/relay"
	"github.com/Code0Breaker/voice-app-test/internal/ws"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
	}
	defer database.Close()

	generator := ollama.NewClient(cfg.OllamaHost, cfg.Model, logger)

	// Ollama's OpenAI-compatible endpoint ignores the token but the
	// client requires one.
	token := os.Getenv("OPENAI_API_KEY")
	if token == "" {
		token = "ollama"
	}
	titler, err := llm.New(cfg.OllamaHost+"/v1/", token, cfg.TitleModel, logger)
	if err != nil {
		logger.Fatal("failed to initialize title service", zap.Error(err))
	}

	turnRelay := relay.New(database, relay.Ollama{Client: generator}, logger,
		relay.WithTitler(titler),
		relay.WithTrimmer(llm.NewTrimmer(cfg.HistoryTokenBudget, logger)),
		relay.WithFragmentTimeout(cfg.FragmentTimeout),
	)

	handler := api.NewHandler(database, logger)

	http.Handle("/ws", ws.NewHandler(turnRelay, logger))
	http.HandleFunc("/api/conversations", handler.GetConversations)
	http.HandleFunc("/api/messages", handler.GetMessages)
	http.HandleFunc("/api/conversations/delete", handler.DeleteConversation)
	http.HandleFunc("/api/conversations/update", handler.UpdateConversation)

	logger.Info("Starting server",
		zap.String("port", cfg.Port),
		zap.String("model", cfg.Model),
		zap.String("ollama", cfg.OllamaHost))
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
