package service

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/repository"
)

// DecayStats resume una pasada de decaimiento.
type DecayStats struct {
	PersonasSwept   int       `json:"personas_swept"`
	MemoriesDecayed int       `json:"memories_decayed"`
	MemoriesPruned  int       `json:"memories_pruned"`
	LastRun         time.Time `json:"last_run"`
}

// DecayWorker aplica decaimiento exponencial periódico a la importancia
// de las memorias y dispara el pruning cuando una colección excede el
// límite. Una sola goroutine barre todas las personas.
type DecayWorker struct {
	cfg    *config.Config
	logger *zap.Logger
	index  repository.MemoryIndexRepository
	mems   *MemoryService

	mu      sync.Mutex
	stats   DecayStats
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewDecayWorker(cfg *config.Config, logger *zap.Logger, index repository.MemoryIndexRepository, mems *MemoryService) *DecayWorker {
	return &DecayWorker{cfg: cfg, logger: logger, index: index, mems: mems}
}

// Start lanza el loop periódico. Idempotente: arranques repetidos no
// crean goroutines extra.
func (w *DecayWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || !w.cfg.MemoryDecayEnabled {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.started = true

	interval := time.Duration(w.cfg.MemoryDecayIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(ctx, interval)
			}
		}
	}()
}

// Stop detiene el loop y espera a que termine la pasada en curso.
func (w *DecayWorker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.done
	w.started = false
	w.mu.Unlock()
	<-done
}

// Sweep ejecuta una pasada completa: decae toda memoria de toda persona
// y poda colecciones sobre el límite.
func (w *DecayWorker) Sweep(ctx context.Context, elapsed time.Duration) DecayStats {
	run := DecayStats{LastRun: time.Now().UTC()}

	personaIDs, err := w.index.ListPersonaIDs(ctx)
	if err != nil {
		w.logger.Error("decay sweep: list personas", zap.Error(err))
		return run
	}

	for _, personaID := range personaIDs {
		decayed, err := w.decayPersona(ctx, personaID, elapsed.Hours(), w.cfg.MemoryDecayRate)
		if err != nil {
			w.logger.Error("decay sweep: persona failed",
				zap.String("persona_id", personaID), zap.Error(err))
			continue
		}
		run.PersonasSwept++
		run.MemoriesDecayed += decayed

		if w.cfg.MemoryPruningEnabled {
			removed, err := w.mems.Prune(ctx, personaID, w.cfg.MemoryMaxPerPersona)
			if err != nil {
				w.logger.Error("decay sweep: prune failed",
					zap.String("persona_id", personaID), zap.Error(err))
				continue
			}
			run.MemoriesPruned += len(removed)
		}
	}

	w.mu.Lock()
	w.stats = run
	w.mu.Unlock()

	w.logger.Info("decay sweep complete",
		zap.Int("personas", run.PersonasSwept),
		zap.Int("decayed", run.MemoriesDecayed),
		zap.Int("pruned", run.MemoriesPruned))
	return run
}

// ForceDecay aplica un factor inmediato a toda la colección de una
// persona, fuera del ciclo periódico.
func (w *DecayWorker) ForceDecay(ctx context.Context, personaID string, factor float64) (int, error) {
	if factor <= 0 || factor >= 1 {
		return 0, nil
	}
	memories, err := w.index.ListByPersona(ctx, personaID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mem := range memories {
		next := clampF(mem.Importance*factor, 0.1, 1.0)
		if next == mem.Importance {
			continue
		}
		if err := w.mems.SetImportance(ctx, mem.ID, next); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Stats devuelve el resultado de la última pasada.
func (w *DecayWorker) Stats() DecayStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// decayPersona aplica importance *= exp(-rate*hours), amortiguado por
// accesos: cada acceso registrado reduce el decaimiento efectivo.
func (w *DecayWorker) decayPersona(ctx context.Context, personaID string, hours, rate float64) (int, error) {
	memories, err := w.index.ListByPersona(ctx, personaID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mem := range memories {
		protection := 1.0 / (1.0 + 0.1*float64(mem.AccessedCount))
		next := mem.Importance * math.Exp(-rate*hours*protection)
		next = clampF(next, 0.1, 1.0)
		if next == mem.Importance {
			continue
		}
		if err := w.mems.SetImportance(ctx, mem.ID, next); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
