package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/db"
	"persona-mcp/internal/llm"
	"persona-mcp/internal/repository"
	"persona-mcp/internal/service"
)

// Driver de self-play: abre una conversación entre dos personas y deja
// que el motor decida cuándo cortarla.
func main() {
	initiatorID := flag.String("initiator", "", "id de la persona que inicia")
	targetID := flag.String("target", "", "id de la persona objetivo")
	topic := flag.String("topic", "", "topic inicial de la conversación")
	maxTurns := flag.Int("turns", 10, "máximo de turnos a simular")
	flag.Parse()

	if *initiatorID == "" || *targetID == "" {
		log.Fatal("both -initiator and -target are required")
	}

	ctx := context.Background()
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal(err)
	}

	personaRepo := repository.NewPgPersonaRepository(pool)
	memoryRepo := repository.NewPgMemoryIndexRepository(pool)
	vectorRepo := repository.NewPgVectorRepository(pool)
	relationshipRepo := repository.NewPgRelationshipRepository(pool)
	emotionalRepo := repository.NewPgEmotionalStateRepository(pool)
	conversationRepo := repository.NewPgConversationRepository(pool)

	llmClient := llm.NewHTTPClient(
		cfg.LLMBaseURL,
		cfg.LLMDefaultModel,
		cfg.LLMEmbedModel,
		cfg.LLMTemperature,
		cfg.LLMMaxTokens,
		time.Duration(cfg.LLMTimeoutSeconds)*time.Second,
	)

	engine := service.NewContinueScoreEngine(cfg)
	memories := service.NewMemoryService(cfg, logger, memoryRepo, vectorRepo, llmClient)
	personas := service.NewPersonaService(cfg, logger, personaRepo, memories, engine)
	relationships := service.NewRelationshipService(logger, personaRepo, relationshipRepo, nil)
	emotional := service.NewEmotionalService(logger, emotionalRepo)
	conversations := service.NewConversationService(cfg, logger, conversationRepo, personas, memories, relationships, emotional, engine, llmClient)

	conv, err := conversations.Initiate(ctx, service.InitiateInput{
		InitiatorID: *initiatorID,
		TargetID:    *targetID,
		Topic:       *topic,
	})
	if err != nil {
		log.Fatalf("initiate: %v", err)
	}
	fmt.Printf("conversation %s started (topic=%q, score=%d)\n", conv.ID, conv.Topic, conv.ContinueScore)

	for i := 0; i < *maxTurns; i++ {
		result, err := conversations.ProcessTurn(ctx, service.TurnInput{ConversationID: conv.ID})
		if err != nil {
			log.Fatalf("turn %d: %v", i+1, err)
		}
		speaker, err := personas.Get(ctx, result.Turn.SpeakerID)
		if err != nil {
			log.Fatalf("lookup speaker: %v", err)
		}
		fmt.Printf("\n[%d] %s (%s, score=%d, tokens=%d)\n%s\n",
			result.Turn.TurnNumber, speaker.Name, result.Turn.ResponseType,
			result.Turn.ContinueScore, result.Turn.TokensUsed, result.Turn.Content)

		if result.Ended {
			fmt.Printf("\nconversation ended: %s\n", result.ExitReason)
			return
		}
	}

	if _, err := conversations.End(ctx, conv.ID, "simulation_turn_limit"); err != nil {
		log.Fatalf("end: %v", err)
	}
	fmt.Println("\nconversation ended: simulation turn limit reached")
}
