package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stellarlinkco/pawnmind/internal/config"
	"github.com/stellarlinkco/pawnmind/internal/memory"
)

const (
	maxBodyBytes         = 1 << 20
	retrieveKeywordLimit = 20
)

var errEmptyBody = errors.New("request body is required")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type pawnSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Active      int    `json:"active"`
	Situational int    `json:"situational"`
	EventLog    int    `json:"eventLog"`
	Archive     int    `json:"archive"`
}

type memoriesResponse struct {
	Pawn     memory.Owner   `json:"pawn"`
	Memories []memory.Entry `json:"memories"`
}

type addMemoryRequest struct {
	PawnName    string             `json:"pawnName"`
	Content     string             `json:"content"`
	Type        *memory.MemoryType `json:"type"`
	Importance  *float64           `json:"importance"`
	RelatedPawn string             `json:"relatedPawn"`
}

type editMemoryRequest struct {
	Content string `json:"content"`
	Notes   string `json:"notes"`
}

type pinRequest struct {
	Pinned *bool `json:"pinned"`
}

type retrieveRequest struct {
	Type           string   `json:"type"`
	Layer          string   `json:"layer"`
	RelatedPawn    string   `json:"relatedPawn"`
	Tags           []string `json:"tags"`
	Keywords       []string `json:"keywords"`
	Context        string   `json:"context"`
	MaxCount       int      `json:"maxCount"`
	IncludeContext bool     `json:"includeContext"`
}

type injectRequest struct {
	Context string `json:"context"`
}

type scoredMemory struct {
	Entry      memory.Entry `json:"entry"`
	Total      float64      `json:"total"`
	Time       float64      `json:"time"`
	Importance float64      `json:"importance"`
	Keyword    float64      `json:"keyword"`
	Bonus      float64      `json:"bonus"`
}

type injectResponse struct {
	Text   string         `json:"text"`
	Scores []scoredMemory `json:"scores"`
}

type importRequest struct {
	Text  string `json:"text"`
	Clear bool   `json:"clear"`
}

type knowledgePatchRequest struct {
	Enabled *bool `json:"enabled"`
}

// settingsView is the runtime-tunable part of the config.
type settingsView struct {
	Memory    config.MemoryConfig    `json:"memory"`
	Injection config.InjectionConfig `json:"injection"`
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/healthz", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	r.Handle("/ws", g.feed)

	r.Route("/pawns", func(r chi.Router) {
		r.Get("/", g.handleListPawns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/memories", g.handleListMemories)
			r.Post("/memories", g.handleAddMemory)
			r.Patch("/memories/{mid}", g.handleEditMemory)
			r.Post("/memories/{mid}/pin", g.handlePinMemory)
			r.Delete("/memories/{mid}", g.handleDeleteMemory)
			r.Post("/compress", g.handleCompress)
			r.Post("/archive", g.handleArchive)
			r.Post("/retrieve", g.handleRetrieve)
			r.Post("/inject", g.handleInject)
		})
	})

	r.Route("/knowledge", func(r chi.Router) {
		r.Get("/", g.handleListKnowledge)
		r.Post("/import", g.handleImportKnowledge)
		r.Get("/export", g.handleExportKnowledge)
		r.Patch("/{kid}", g.handlePatchKnowledge)
		r.Delete("/{kid}", g.handleDeleteKnowledge)
	})

	r.Get("/settings", g.handleGetSettings)
	r.Patch("/settings", g.handlePatchSettings)
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ticks":  g.clock.Ticks(),
		"day":    memory.DayOf(g.clock.Ticks()),
	})
}

func (g *Gateway) handleListPawns(w http.ResponseWriter, r *http.Request) {
	var out []pawnSummary
	err := g.Do(r.Context(), func() {
		for _, owner := range g.manager.Pawns() {
			s, _ := g.manager.Lookup(owner.ID)
			counts := s.Counts()
			out = append(out, pawnSummary{
				ID:          owner.ID,
				Name:        owner.Name,
				Active:      counts[memory.LayerActive],
				Situational: counts[memory.LayerSituational],
				EventLog:    counts[memory.LayerEventLog],
				Archive:     counts[memory.LayerArchive],
			})
		}
	})
	if err != nil {
		respondLoopError(w, err)
		return
	}
	if out == nil {
		out = []pawnSummary{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleListMemories(w http.ResponseWriter, r *http.Request) {
	layers := memory.Layers
	if raw := r.URL.Query().Get("layer"); raw != "" {
		layer, err := memory.ParseLayer(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_layer", err.Error())
			return
		}
		layers = []memory.Layer{layer}
	}

	var resp memoriesResponse
	err := g.withPawn(r, func(s *memory.Store) {
		resp.Pawn = s.Owner()
		resp.Memories = []memory.Entry{}
		for _, layer := range layers {
			resp.Memories = append(resp.Memories, copyEntries(s.Tier(layer))...)
		}
	})
	if err != nil {
		respondLoopError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	if req.Type == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}

	ev := memory.IngestEvent{
		PawnID:      chi.URLParam(r, "id"),
		PawnName:    req.PawnName,
		Content:     req.Content,
		Type:        *req.Type,
		Importance:  importance,
		RelatedPawn: req.RelatedPawn,
	}
	var (
		added     bool
		ingestErr error
	)
	if err := g.Do(r.Context(), func() { added, ingestErr = g.manager.Ingest(ev) }); err != nil {
		respondLoopError(w, err)
		return
	}
	if ingestErr != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", ingestErr.Error())
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]bool{"added": added})
}

func (g *Gateway) handleEditMemory(w http.ResponseWriter, r *http.Request) {
	var req editMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	g.mutateMemory(w, r, func(s *memory.Store, id string) bool {
		return s.Edit(id, req.Content, req.Notes)
	})
}

func (g *Gateway) handlePinMemory(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pinned := true
	if req.Pinned != nil {
		pinned = *req.Pinned
	}
	g.mutateMemory(w, r, func(s *memory.Store, id string) bool {
		return s.Pin(id, pinned)
	})
}

func (g *Gateway) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	mid := chi.URLParam(r, "mid")
	var deleted bool
	if err := g.withPawn(r, func(s *memory.Store) { deleted = s.Delete(mid) }); err != nil {
		respondLoopError(w, err)
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "memory_not_found", memory.ErrEntryNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutateMemory applies fn to one memory and responds with its new state.
func (g *Gateway) mutateMemory(w http.ResponseWriter, r *http.Request, fn func(s *memory.Store, id string) bool) {
	mid := chi.URLParam(r, "mid")
	var (
		found bool
		entry memory.Entry
	)
	err := g.withPawn(r, func(s *memory.Store) {
		if !fn(s, mid) {
			return
		}
		e, _ := s.Find(mid)
		entry = copyEntry(e)
		found = true
	})
	if err != nil {
		respondLoopError(w, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "memory_not_found", memory.ErrEntryNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (g *Gateway) handleCompress(w http.ResponseWriter, r *http.Request) {
	var created int
	if err := g.withPawn(r, func(s *memory.Store) { created = s.CompressSituational() }); err != nil {
		respondLoopError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	var created int
	if err := g.withPawn(r, func(s *memory.Store) { created = s.ManualArchiveCompress() }); err != nil {
		respondLoopError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (g *Gateway) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q, err := req.query()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	var out []memory.Entry
	if err := g.withPawn(r, func(s *memory.Store) { out = copyEntries(s.Retrieve(q)) }); err != nil {
		respondLoopError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (req retrieveRequest) query() (memory.Query, error) {
	q := memory.Query{
		RelatedPawn:    req.RelatedPawn,
		Tags:           req.Tags,
		Keywords:       req.Keywords,
		MaxCount:       req.MaxCount,
		IncludeContext: req.IncludeContext,
	}
	if req.Type != "" {
		typ, err := memory.ParseMemoryType(req.Type)
		if err != nil {
			return q, err
		}
		q.Type = &typ
	}
	if req.Layer != "" {
		layer, err := memory.ParseLayer(req.Layer)
		if err != nil {
			return q, err
		}
		q.Layer = &layer
	}
	if len(q.Keywords) == 0 && req.Context != "" {
		q.Keywords = memory.ExtractKeywords(req.Context, retrieveKeywordLimit)
	}
	return q, nil
}

func (g *Gateway) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	resp := injectResponse{Scores: []scoredMemory{}}
	err := g.Do(r.Context(), func() {
		resp.Text = g.manager.BuildContext(id, req.Context)
		inj := g.cfg.InjectionSettings()
		if s, ok := g.manager.Lookup(id); ok && inj.Enabled {
			_, details := s.InjectMemories(req.Context, inj.MaxMemories)
			for _, d := range details {
				resp.Scores = append(resp.Scores, scoredMemory{
					Entry:      copyEntry(d.Entry),
					Total:      d.Total,
					Time:       d.Time,
					Importance: d.Importance,
					Keyword:    d.Keyword,
					Bonus:      d.Bonus,
				})
			}
		}
	})
	if err != nil {
		respondLoopError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	lib := g.manager.Knowledge()
	if tag := r.URL.Query().Get("tag"); tag != "" {
		entries := lib.GetEntriesByTag()[tag]
		if entries == nil {
			entries = []memory.KnowledgeEntry{}
		}
		respondJSON(w, http.StatusOK, entries)
		return
	}
	respondJSON(w, http.StatusOK, lib.Entries())
}

func (g *Gateway) handleImportKnowledge(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var imported int
	if err := g.Do(r.Context(), func() {
		imported = g.manager.Knowledge().ImportFromText(req.Text, req.Clear)
	}); err != nil {
		respondLoopError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"imported": imported, "total": g.manager.Knowledge().Len()})
}

func (g *Gateway) handleExportKnowledge(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, g.manager.Knowledge().ExportToText())
}

func (g *Gateway) handlePatchKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgePatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	var found bool
	kid := chi.URLParam(r, "kid")
	if err := g.Do(r.Context(), func() { found = g.manager.Knowledge().SetEnabled(kid, *req.Enabled) }); err != nil {
		respondLoopError(w, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "knowledge_not_found", "knowledge entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	var removed bool
	kid := chi.URLParam(r, "kid")
	if err := g.Do(r.Context(), func() { removed = g.manager.Knowledge().RemoveEntry(kid) }); err != nil {
		respondLoopError(w, err)
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "knowledge_not_found", "knowledge entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg := g.cfg.Get()
	respondJSON(w, http.StatusOK, settingsView{Memory: cfg.Memory, Injection: cfg.Injection})
}

// handlePatchSettings merges the body over the current settings, so fields
// left out keep their values.
func (g *Gateway) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	cur := g.cfg.Get()
	view := settingsView{Memory: cur.Memory, Injection: cur.Injection}
	if err := decodeJSON(r, &view); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	updated := g.cfg.Update(func(cfg *config.Config) {
		cfg.Memory = view.Memory
		cfg.Injection = view.Injection
	})
	if err := g.saveConfig(&updated); err != nil {
		respondError(w, http.StatusInternalServerError, "save_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settingsView{Memory: updated.Memory, Injection: updated.Injection})
}

// withPawn runs fn on the host loop with the store named by the {id} route
// parameter. Unknown pawns yield memory.ErrPawnNotFound.
func (g *Gateway) withPawn(r *http.Request, fn func(s *memory.Store)) error {
	id := chi.URLParam(r, "id")
	var found bool
	err := g.Do(r.Context(), func() {
		s, ok := g.manager.Lookup(id)
		if !ok {
			return
		}
		found = true
		fn(s)
	})
	if err != nil {
		return err
	}
	if !found {
		return memory.ErrPawnNotFound
	}
	return nil
}

func copyEntry(e *memory.Entry) memory.Entry {
	out := *e
	out.Keywords = append([]string(nil), e.Keywords...)
	out.Tags = append([]string(nil), e.Tags...)
	return out
}

func copyEntries(entries []*memory.Entry) []memory.Entry {
	out := make([]memory.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyEntry(e))
	}
	return out
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondLoopError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrPawnNotFound):
		respondError(w, http.StatusNotFound, "pawn_not_found", err.Error())
	case errors.Is(err, ErrStopped):
		respondError(w, http.StatusServiceUnavailable, "stopped", err.Error())
	default:
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	}
}
