package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"persona-mcp/internal/config"
	"persona-mcp/internal/domain"
	"persona-mcp/internal/llm"
	"persona-mcp/internal/repository"
)

// MemoryService coordina el doble store: índice estructurado (decay,
// pruning, stats) + vector store (búsqueda semántica). Todo write va a
// los dos; un fallo parcial es fallo, y el id de memoria es la clave de
// idempotencia del reintento.
type MemoryService struct {
	cfg      *config.Config
	logger   *zap.Logger
	index    repository.MemoryIndexRepository
	vectors  repository.VectorRepository
	embedder llm.Client
	scorer   ImportanceScorer
}

func NewMemoryService(
	cfg *config.Config,
	logger *zap.Logger,
	index repository.MemoryIndexRepository,
	vectors repository.VectorRepository,
	embedder llm.Client,
) *MemoryService {
	return &MemoryService{cfg: cfg, logger: logger, index: index, vectors: vectors, embedder: embedder}
}

// StoreInput son los parámetros de escritura de una memoria.
type StoreInput struct {
	PersonaID        string
	Content          string
	Type             domain.MemoryType
	Importance       float64 // <= 0 => se calcula con el scorer
	EmotionalValence float64
	RelatedPersonas  []string
	Visibility       domain.Visibility
	Metadata         map[string]string
	Speaker          *domain.Persona
	Context          ScoreContext
}

// Store escribe una memoria en ambos stores. Un backend de embeddings
// caído no bloquea la escritura: se degrada al embedding determinístico.
func (s *MemoryService) Store(ctx context.Context, in StoreInput) (domain.Memory, error) {
	if in.PersonaID == "" || in.Content == "" {
		return domain.Memory{}, fmt.Errorf("persona_id and content are required: %w", domain.ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = domain.MemConversation
	}
	if !domain.ValidMemoryType(string(in.Type)) {
		return domain.Memory{}, fmt.Errorf("unknown memory type %q: %w", in.Type, domain.ErrInvalidInput)
	}
	if in.Visibility == "" {
		in.Visibility = domain.VisibilityPrivate
	}
	if !domain.ValidVisibility(string(in.Visibility)) {
		return domain.Memory{}, fmt.Errorf("unknown visibility %q: %w", in.Visibility, domain.ErrInvalidInput)
	}

	importance := in.Importance
	if importance <= 0 {
		importance = s.scorer.Score(in.Content, in.Speaker, in.Type, in.Context)
	}
	importance = clampF(importance, 0.1, 1.0)

	embedding := s.embed(ctx, in.Content)

	now := time.Now().UTC()
	mem := domain.Memory{
		ID:               uuid.NewString(),
		PersonaID:        in.PersonaID,
		Content:          in.Content,
		Type:             in.Type,
		Importance:       importance,
		EmotionalValence: clampF(in.EmotionalValence, -1, 1),
		RelatedPersonas:  in.RelatedPersonas,
		Visibility:       in.Visibility,
		Metadata:         in.Metadata,
		CreatedAt:        now,
	}

	if err := s.vectors.Upsert(ctx, repository.VectorDocument{
		ID:               mem.ID,
		Collection:       repository.CollectionFor(mem.PersonaID),
		Content:          mem.Content,
		Embedding:        pgvector.NewVector(embedding),
		Type:             mem.Type,
		Importance:       mem.Importance,
		EmotionalValence: mem.EmotionalValence,
		RelatedPersonas:  repository.JoinRelated(mem.RelatedPersonas),
		Visibility:       mem.Visibility,
		CreatedAt:        mem.CreatedAt,
	}); err != nil {
		return domain.Memory{}, fmt.Errorf("vector store write: %w: %v", domain.ErrStoreFailure, err)
	}
	if err := s.index.Insert(ctx, mem); err != nil {
		// El vector quedó escrito; el retry con el mismo id converge.
		return domain.Memory{}, fmt.Errorf("index write: %w: %v", domain.ErrStoreFailure, err)
	}

	s.enforceCap(ctx, mem.PersonaID)
	return mem, nil
}

// SearchInput son los parámetros de recuperación semántica. Los flags
// Include* solo aplican a la búsqueda cross-persona.
type SearchInput struct {
	PersonaID     string
	Query         string
	Limit         int
	MinImportance float64
	Visibility    domain.Visibility // vacío => todas las propias
	IncludeShared bool
	IncludePublic bool
}

// Search recupera las memorias propias más cercanas a la query y marca
// el acceso en ambos stores.
func (s *MemoryService) Search(ctx context.Context, in SearchInput) ([]domain.Memory, error) {
	if in.PersonaID == "" || in.Query == "" {
		return nil, fmt.Errorf("persona_id and query are required: %w", domain.ErrInvalidInput)
	}
	if in.Limit <= 0 {
		in.Limit = s.cfg.MemorySearchDefaultLimit
	}

	embedding := s.embed(ctx, in.Query)
	docs, err := s.vectors.Search(ctx, repository.CollectionFor(in.PersonaID),
		pgvector.NewVector(embedding), in.Limit, in.MinImportance, in.Visibility)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w: %v", domain.ErrStoreFailure, err)
	}

	memories := docsToMemories(in.PersonaID, docs)
	s.touchAccess(ctx, memories)
	return memories, nil
}

// SearchCrossPersona recupera memorias de OTRAS personas visibles para
// la solicitante: una consulta por visibilidad incluida (shared,
// public), nunca un OR, y jamás una privada ajena. Con ambos flags
// apagados no hay nada que buscar.
func (s *MemoryService) SearchCrossPersona(ctx context.Context, in SearchInput) ([]domain.Memory, error) {
	if in.PersonaID == "" || in.Query == "" {
		return nil, fmt.Errorf("persona_id and query are required: %w", domain.ErrInvalidInput)
	}
	if in.Limit <= 0 {
		in.Limit = s.cfg.MemorySearchDefaultLimit
	}

	var visibilities []domain.Visibility
	if in.IncludeShared {
		visibilities = append(visibilities, domain.VisibilityShared)
	}
	if in.IncludePublic {
		visibilities = append(visibilities, domain.VisibilityPublic)
	}
	if len(visibilities) == 0 {
		return nil, nil
	}

	query := pgvector.NewVector(s.embed(ctx, in.Query))
	own := repository.CollectionFor(in.PersonaID)

	var all []repository.VectorDocument
	for _, vis := range visibilities {
		docs, err := s.vectors.SearchAllCollectionsExcept(ctx, own, query, in.Limit, in.MinImportance, vis)
		if err != nil {
			return nil, fmt.Errorf("cross-persona search (%s): %w: %v", vis, domain.ErrStoreFailure, err)
		}
		all = append(all, docs...)
	}

	// Defensa en profundidad: una privada ajena nunca sale de aquí.
	filtered := all[:0]
	for _, doc := range all {
		if doc.Visibility == domain.VisibilityPrivate {
			s.logger.Error("private memory leaked into cross-persona result set, dropping",
				zap.String("memory_id", doc.ID))
			continue
		}
		filtered = append(filtered, doc)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Similarity > filtered[j].Similarity
	})
	if len(filtered) > in.Limit {
		filtered = filtered[:in.Limit]
	}

	memories := docsToMemories("", filtered)
	s.touchAccess(ctx, memories)
	return memories, nil
}

// Get devuelve una memoria por id desde el índice.
func (s *MemoryService) Get(ctx context.Context, id string) (domain.Memory, error) {
	return s.index.Get(ctx, id)
}

// List devuelve todas las memorias de una persona desde el índice.
func (s *MemoryService) List(ctx context.Context, personaID string) ([]domain.Memory, error) {
	return s.index.ListByPersona(ctx, personaID)
}

// SetImportance escribe la importancia en ambos stores.
func (s *MemoryService) SetImportance(ctx context.Context, id string, importance float64) error {
	if err := s.index.SetImportance(ctx, id, importance); err != nil {
		return fmt.Errorf("set importance (index): %w", err)
	}
	if err := s.vectors.SetImportance(ctx, id, importance); err != nil {
		return fmt.Errorf("set importance (vectors): %w", err)
	}
	return nil
}

// Stats agrega las estadísticas de la colección de una persona.
func (s *MemoryService) Stats(ctx context.Context, personaID string) (repository.MemoryStats, error) {
	return s.index.Stats(ctx, personaID)
}

// Prune elimina memorias de menor prioridad de retención hasta dejar la
// colección en o por debajo del límite. Devuelve los ids eliminados.
func (s *MemoryService) Prune(ctx context.Context, personaID string, keep int) ([]string, error) {
	if keep <= 0 {
		keep = s.cfg.MemoryMaxPerPersona
	}
	memories, err := s.index.ListByPersona(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	if len(memories) <= keep {
		return nil, nil
	}

	victims := selectPruneVictims(memories, len(memories)-keep)
	if err := s.vectors.Delete(ctx, victims); err != nil {
		return nil, fmt.Errorf("prune vectors: %w: %v", domain.ErrStoreFailure, err)
	}
	if err := s.index.Delete(ctx, victims); err != nil {
		return nil, fmt.Errorf("prune index: %w: %v", domain.ErrStoreFailure, err)
	}

	s.logger.Info("pruned memories",
		zap.String("persona_id", personaID),
		zap.Int("removed", len(victims)),
		zap.Int("kept", keep))
	return victims, nil
}

// PruneRecommendations lista, sin borrar, las memorias que el próximo
// prune eliminaría si la colección superara el límite.
func (s *MemoryService) PruneRecommendations(ctx context.Context, personaID string, keep int) ([]domain.Memory, error) {
	if keep <= 0 {
		keep = s.cfg.MemoryMaxPerPersona
	}
	memories, err := s.index.ListByPersona(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if len(memories) <= keep {
		return nil, nil
	}
	victims := selectPruneVictims(memories, len(memories)-keep)
	byID := make(map[string]domain.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}
	out := make([]domain.Memory, 0, len(victims))
	for _, id := range victims {
		out = append(out, byID[id])
	}
	return out, nil
}

// SharedStats cuenta las memorias visibles cross-persona por visibilidad.
func (s *MemoryService) SharedStats(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, vis := range []domain.Visibility{domain.VisibilityShared, domain.VisibilityPublic} {
		n, err := s.vectors.CountByVisibility(ctx, vis)
		if err != nil {
			return nil, fmt.Errorf("count %s memories: %w", vis, err)
		}
		out[string(vis)] = n
	}
	return out, nil
}

// PruneAll poda todas las colecciones sobre el límite. Devuelve ids
// eliminados por persona.
func (s *MemoryService) PruneAll(ctx context.Context, keep int) (map[string][]string, error) {
	personaIDs, err := s.index.ListPersonaIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	out := map[string][]string{}
	for _, personaID := range personaIDs {
		removed, err := s.Prune(ctx, personaID, keep)
		if err != nil {
			return out, err
		}
		if len(removed) > 0 {
			out[personaID] = removed
		}
	}
	return out, nil
}

// CountAll devuelve el total de memorias del sistema.
func (s *MemoryService) CountAll(ctx context.Context) (int, error) {
	return s.index.CountAll(ctx)
}

// DeletePersonaMemories borra la colección completa de una persona en
// ambos stores.
func (s *MemoryService) DeletePersonaMemories(ctx context.Context, personaID string) (int, error) {
	if _, err := s.vectors.DeleteCollection(ctx, repository.CollectionFor(personaID)); err != nil {
		return 0, fmt.Errorf("delete vector collection: %w: %v", domain.ErrStoreFailure, err)
	}
	n, err := s.index.DeleteByPersona(ctx, personaID)
	if err != nil {
		return 0, fmt.Errorf("delete index rows: %w: %v", domain.ErrStoreFailure, err)
	}
	return n, nil
}

// enforceCap dispara un prune best-effort cuando la colección excede el
// límite configurado.
func (s *MemoryService) enforceCap(ctx context.Context, personaID string) {
	n, err := s.index.CountByPersona(ctx, personaID)
	if err != nil || n <= s.cfg.MemoryMaxPerPersona {
		return
	}
	if _, err := s.Prune(ctx, personaID, s.cfg.MemoryMaxPerPersona); err != nil {
		s.logger.Warn("auto-prune failed", zap.String("persona_id", personaID), zap.Error(err))
	}
}

// embed calcula el embedding del texto, degradando al determinístico
// cuando el backend no responde. La búsqueda y la escritura siguen
// funcionando offline, con menor calidad semántica.
func (s *MemoryService) embed(ctx context.Context, text string) []float32 {
	embedding, err := s.embedder.CreateEmbedding(ctx, text)
	if err != nil {
		s.logger.Warn("embedding backend failed, using deterministic fallback", zap.Error(err))
		return llm.DeterministicEmbedding(text)
	}
	return embedding
}

func (s *MemoryService) touchAccess(ctx context.Context, memories []domain.Memory) {
	if len(memories) == 0 {
		return
	}
	ids := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	now := time.Now().UTC()
	if err := s.index.TouchAccess(ctx, ids, now); err != nil {
		s.logger.Warn("touch access (index)", zap.Error(err))
	}
	if err := s.vectors.TouchAccess(ctx, ids); err != nil {
		s.logger.Warn("touch access (vectors)", zap.Error(err))
	}
}

// selectPruneVictims ordena por prioridad de retención ascendente
// (importance + 0.01*accessed_count), desempatando por acceso más
// antiguo, y devuelve los n primeros ids.
func selectPruneVictims(memories []domain.Memory, n int) []string {
	sorted := make([]domain.Memory, len(memories))
	copy(sorted, memories)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].PrunePriority(), sorted[j].PrunePriority()
		if pi != pj {
			return pi < pj
		}
		ti, tj := lastAccessOrCreation(sorted[i]), lastAccessOrCreation(sorted[j])
		return ti.Before(tj)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = sorted[i].ID
	}
	return ids
}

func lastAccessOrCreation(m domain.Memory) time.Time {
	if m.LastAccessed != nil {
		return *m.LastAccessed
	}
	return m.CreatedAt
}

func docsToMemories(owner string, docs []repository.VectorDocument) []domain.Memory {
	memories := make([]domain.Memory, 0, len(docs))
	for _, doc := range docs {
		personaID := owner
		if personaID == "" {
			personaID = personaFromCollection(doc.Collection)
		}
		memories = append(memories, domain.Memory{
			ID:               doc.ID,
			PersonaID:        personaID,
			Content:          doc.Content,
			Type:             doc.Type,
			Importance:       doc.Importance,
			EmotionalValence: doc.EmotionalValence,
			RelatedPersonas:  repository.SplitRelated(doc.RelatedPersonas),
			Visibility:       doc.Visibility,
			CreatedAt:        doc.CreatedAt,
			AccessedCount:    doc.AccessedCount,
			Similarity:       doc.Similarity,
		})
	}
	return memories
}

func personaFromCollection(collection string) string {
	const prefix = "persona_"
	if len(collection) > len(prefix) && collection[:len(prefix)] == prefix {
		return collection[len(prefix):]
	}
	return collection
}
