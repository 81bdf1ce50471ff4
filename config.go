package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < .env file < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	DB   string `json:"db" env:"DB"`     // database connection string
	Dev  bool   `json:"dev" env:"DEV"`   // dev mode: verbose logging, db dumps on errors
	Addr string `json:"addr" env:"ADDR"` // HTTP listen address

	// Game rules
	NightDurationSec int  `json:"night_duration_sec" env:"NIGHT_DURATION_SEC"`
	DayDurationSec   int  `json:"day_duration_sec" env:"DAY_DURATION_SEC"`
	MinPlayers       int  `json:"min_players" env:"MIN_PLAYERS"`
	AutoAdvance      bool `json:"auto_advance" env:"AUTO_ADVANCE"`         // resolve phases when their deadline passes
	TickIntervalMS   int  `json:"tick_interval_ms" env:"TICK_INTERVAL_MS"` // how often the ticker looks for expired phases

	// Logging (extended diagnostics, off by default)
	LogConfig

	// AI Storyteller
	StorytellerConfig
}

// StorytellerConfig selects the optional end-of-game narrator.
type StorytellerConfig struct {
	Provider    string `json:"storyteller_provider" env:"STORYTELLER_PROVIDER"`       // ollama | openai | claude | gemini | groq | openai-compatible
	Model       string `json:"storyteller_model" env:"STORYTELLER_MODEL"`             // model name
	OllamaURL   string `json:"storyteller_ollama_url" env:"STORYTELLER_OLLAMA_URL"`   // Ollama server URL
	URL         string `json:"storyteller_url" env:"STORYTELLER_URL"`                 // base URL for openai-compatible
	APIKey      string `json:"storyteller_api_key" env:"STORYTELLER_API_KEY"`         // API key for openai-compatible
	Temperature string `json:"storyteller_temperature" env:"STORYTELLER_TEMPERATURE"` // float 0-1 as string
	Thinking    string `json:"storyteller_thinking" env:"STORYTELLER_THINKING"`       // none | low | medium | high | auto
	GroqAPIKey  string `json:"groq_api_key" env:"GROQ_API_KEY"`                       // API key for groq provider
}

func defaultConfig() AppConfig {
	return AppConfig{
		DB:               "file:mafia.db?_busy_timeout=5000",
		Addr:             ":8080",
		NightDurationSec: 60,
		DayDurationSec:   120,
		MinPlayers:       3,
		TickIntervalMS:   1000,
		StorytellerConfig: StorytellerConfig{
			OllamaURL: "http://localhost:11434",
		},
	}
}

func (cfg AppConfig) gameConfig() GameConfig {
	return GameConfig{
		NightDuration: time.Duration(cfg.NightDurationSec) * time.Second,
		DayDuration:   time.Duration(cfg.DayDurationSec) * time.Second,
		MinPlayers:    cfg.MinPlayers,
	}
}

func (cfg AppConfig) tickInterval() time.Duration {
	if cfg.TickIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(cfg.TickIntervalMS) * time.Millisecond
}

// loadConfig builds a config by layering: defaults → .env → env vars → JSON config file.
// CLI flag overrides are applied separately by flagValues.applyTo after parsing.
func loadConfig(configPath, dotenvPath string) (AppConfig, error) {
	cfg := defaultConfig()

	// Layer 1: .env file, never overriding variables already set
	if err := godotenv.Load(dotenvPath); err == nil {
		log.Printf("Config: loaded environment from %s", dotenvPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", dotenvPath, err)
	}

	// Layer 2: env vars, only variables that are set override
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	// Layer 3: JSON config file, only fields present in the file override
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
		log.Printf("Config: loaded from %s", configPath)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", configPath, err)
	}

	return cfg, nil
}

// flagValues holds pointers to all registered CLI flags.
type flagValues struct {
	configPath             *string
	envPath                *string
	db                     *string
	dev                    *bool
	addr                   *string
	nightDurationSec       *int
	dayDurationSec         *int
	minPlayers             *int
	autoAdvance            *bool
	tickIntervalMS         *int
	logOutputDir           *string
	logRequests            *bool
	logDB                  *bool
	logWS                  *bool
	logDebug               *bool
	storytellerProvider    *string
	storytellerModel       *string
	storytellerOllamaURL   *string
	storytellerURL         *string
	storytellerAPIKey      *string
	storytellerTemperature *string
	storytellerThinking    *string
	groqAPIKey             *string
}

// registerFlags registers all CLI flags and returns pointers to their values.
// Parse fs after this, then applyTo to layer them over the loaded config.
func registerFlags(fs *flag.FlagSet) flagValues {
	return flagValues{
		configPath:             fs.String("config", "config.json", "path to JSON config file"),
		envPath:                fs.String("env-file", ".env", "path to .env file"),
		db:                     fs.String("db", "", "database connection string"),
		dev:                    fs.Bool("dev", false, "enable development mode (verbose logging, db dumps on error)"),
		addr:                   fs.String("addr", "", "HTTP listen address (e.g. :8080)"),
		nightDurationSec:       fs.Int("night-duration", 0, "night length in seconds"),
		dayDurationSec:         fs.Int("day-duration", 0, "day length in seconds"),
		minPlayers:             fs.Int("min-players", 0, "players needed to start a game"),
		autoAdvance:            fs.Bool("auto-advance", false, "resolve phases automatically when their deadline passes"),
		tickIntervalMS:         fs.Int("tick-interval", 0, "deadline check interval in milliseconds"),
		logOutputDir:           fs.String("log-output-dir", "", "directory for extended log files"),
		logRequests:            fs.Bool("log-requests", false, "log HTTP requests and responses"),
		logDB:                  fs.Bool("log-db", false, "log database dumps"),
		logWS:                  fs.Bool("log-ws", false, "log WebSocket messages"),
		logDebug:               fs.Bool("log-debug", false, "enable debug logging"),
		storytellerProvider:    fs.String("storyteller-provider", "", "AI storyteller provider (ollama|openai|claude|gemini|groq|openai-compatible)"),
		storytellerModel:       fs.String("storyteller-model", "", "AI storyteller model name"),
		storytellerOllamaURL:   fs.String("storyteller-ollama-url", "", "Ollama server URL"),
		storytellerURL:         fs.String("storyteller-url", "", "base URL for openai-compatible provider"),
		storytellerAPIKey:      fs.String("storyteller-api-key", "", "API key for storyteller provider"),
		storytellerTemperature: fs.String("storyteller-temperature", "", "sampling temperature 0-1"),
		storytellerThinking:    fs.String("storyteller-thinking", "", "thinking mode: none|low|medium|high|auto"),
		groqAPIKey:             fs.String("groq-api-key", "", "Groq API key"),
	}
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv flagValues) applyTo(fs *flag.FlagSet, cfg *AppConfig) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DB = *fv.db
		case "dev":
			cfg.Dev = *fv.dev
		case "addr":
			cfg.Addr = *fv.addr
		case "night-duration":
			cfg.NightDurationSec = *fv.nightDurationSec
		case "day-duration":
			cfg.DayDurationSec = *fv.dayDurationSec
		case "min-players":
			cfg.MinPlayers = *fv.minPlayers
		case "auto-advance":
			cfg.AutoAdvance = *fv.autoAdvance
		case "tick-interval":
			cfg.TickIntervalMS = *fv.tickIntervalMS
		case "log-output-dir":
			cfg.OutputDir = *fv.logOutputDir
		case "log-requests":
			cfg.LogRequests = *fv.logRequests
		case "log-db":
			cfg.LogDB = *fv.logDB
		case "log-ws":
			cfg.LogWS = *fv.logWS
		case "log-debug":
			cfg.Debug = *fv.logDebug
		case "storyteller-provider":
			cfg.Provider = *fv.storytellerProvider
		case "storyteller-model":
			cfg.Model = *fv.storytellerModel
		case "storyteller-ollama-url":
			cfg.OllamaURL = *fv.storytellerOllamaURL
		case "storyteller-url":
			cfg.URL = *fv.storytellerURL
		case "storyteller-api-key":
			cfg.APIKey = *fv.storytellerAPIKey
		case "storyteller-temperature":
			cfg.Temperature = *fv.storytellerTemperature
		case "storyteller-thinking":
			cfg.Thinking = *fv.storytellerThinking
		case "groq-api-key":
			cfg.GroqAPIKey = *fv.groqAPIKey
		}
	})
}
