package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const storytellerSystemPrompt = `You are the narrator of a noir mafia party game. When a game ends you write a short epilogue about how the town's story played out. Keep it to 3-4 sentences. Be moody and cinematic, like a crime film voice-over.`

const storyTimeout = 30 * time.Second

// Storyteller writes the epilogue of a finished game.
// onChunk is called with each text chunk as it streams in.
type Storyteller interface {
	Tell(ctx context.Context, history []string, onChunk func(string)) (string, error)
}

type llmStoryteller struct {
	llm          llms.Model
	systemPrompt string
	callOpts     []llms.CallOption
}

func (s *llmStoryteller) Tell(ctx context.Context, history []string, onChunk func(string)) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman,
			"What happened in the game:\n"+strings.Join(history, "\n")+
				"\n\nWrite the epilogue (3-4 sentences)."),
	}

	var fullText strings.Builder
	opts := append(append([]llms.CallOption(nil), s.callOpts...), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		text := string(chunk)
		fullText.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
		return nil
	}))

	_, err := s.llm.GenerateContent(ctx, messages, opts...)
	return strings.TrimSpace(fullText.String()), err
}

// buildCallOpts builds LLM call options from the config.
func buildCallOpts(cfg StorytellerConfig) []llms.CallOption {
	var opts []llms.CallOption

	if cfg.Temperature != "" {
		if f, err := strconv.ParseFloat(cfg.Temperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Storyteller: temperature=%.2f", f)
		} else {
			log.Printf("Storyteller: invalid temperature %q: %v", cfg.Temperature, err)
		}
	}

	if cfg.Thinking != "" {
		mode := llms.ThinkingMode(cfg.Thinking)
		switch mode {
		case llms.ThinkingModeNone, llms.ThinkingModeLow, llms.ThinkingModeMedium, llms.ThinkingModeHigh, llms.ThinkingModeAuto:
			opts = append(opts, llms.WithThinkingMode(mode))
			log.Printf("Storyteller: thinking=%s", mode)
		default:
			log.Printf("Storyteller: invalid thinking %q (valid: none, low, medium, high, auto)", cfg.Thinking)
		}
	}

	return opts
}

// newStoryteller builds the configured storyteller. It returns nil, nil when
// no provider is set.
func newStoryteller(ctx context.Context, cfg StorytellerConfig) (Storyteller, error) {
	var (
		llm llms.Model
		err error
	)

	switch cfg.Provider {
	case "":
		log.Printf("Storyteller: disabled (set storyteller_provider to enable)")
		return nil, nil
	case "ollama":
		llm, err = ollama.New(ollama.WithModel(cfg.Model), ollama.WithServerURL(cfg.OllamaURL))
	case "openai":
		llm, err = openai.New(openai.WithModel(cfg.Model))
	case "claude":
		llm, err = anthropic.New(anthropic.WithModel(cfg.Model))
	case "gemini":
		llm, err = googleai.New(ctx, googleai.WithDefaultModel(cfg.Model))
	case "groq":
		llm, err = openai.New(
			openai.WithModel(cfg.Model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
	case "openai-compatible":
		if cfg.URL == "" {
			return nil, fmt.Errorf("storyteller_url is required for openai-compatible provider")
		}
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithBaseURL(cfg.URL)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown storyteller provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s storyteller (%s): %w", cfg.Provider, cfg.Model, err)
	}

	log.Printf("Storyteller: %s model=%s", cfg.Provider, cfg.Model)
	return &llmStoryteller{llm: llm, systemPrompt: storytellerSystemPrompt, callOpts: buildCallOpts(cfg)}, nil
}

// narrate asynchronously appends an epilogue to a finished game's event log.
func (e *Engine) narrate(game Game) {
	if e.storyteller == nil {
		return
	}

	e.background.Add(1)
	go func() {
		defer e.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), storyTimeout)
		defer cancel()

		history, err := e.storyHistory(ctx, game)
		if err != nil {
			logError("narrate: history", err)
			return
		}

		story, err := e.storyteller.Tell(ctx, history, nil)
		if err != nil {
			log.Printf("narrate: storyteller error: %v", err)
			return
		}
		if story == "" {
			return
		}

		if err := insertEvent(ctx, e.db, game.ID, EventStory, story, e.now()); err != nil {
			logError("narrate: insert story", err)
			return
		}
		log.Printf("Storyteller: completed epilogue for game %d", game.ID)
		e.publish(game.RoomCode, ChangeGame)
	}()
}

// storyHistory is the public event log plus the role reveal that follows a finished game.
func (e *Engine) storyHistory(ctx context.Context, game Game) ([]string, error) {
	var history []string
	if err := e.db.SelectContext(ctx, &history, `
		SELECT message FROM game_event
		WHERE game_id = ? AND type != ?
		ORDER BY created_at ASC, id ASC`, game.ID, EventStory); err != nil {
		return nil, persistErr("story events", err)
	}

	var cast []struct {
		Name    string `db:"name"`
		Role    Role   `db:"role"`
		IsAlive bool   `db:"is_alive"`
	}
	if err := e.db.SelectContext(ctx, &cast, `
		SELECT p.name, r.role, r.is_alive
		FROM player_role r JOIN player p ON p.id = r.player_id
		WHERE r.game_id = ?
		ORDER BY p.joined_at, p.id`, game.ID); err != nil {
		return nil, persistErr("story cast", err)
	}
	for _, c := range cast {
		status := "survived"
		if !c.IsAlive {
			status = "died"
		}
		history = append(history, fmt.Sprintf("%s was the %s and %s.", c.Name, c.Role, status))
	}
	return history, nil
}
