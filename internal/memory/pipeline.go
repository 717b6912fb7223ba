package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/stellarlinkco/pawnmind/internal/config"
	"github.com/stellarlinkco/pawnmind/internal/observability"
)

// TemplateKind selects the summarization prompt.
type TemplateKind string

const (
	TemplateDailySummary TemplateKind = "daily_summary"
	TemplateDeepArchive  TemplateKind = "deep_archive"
)

const (
	defaultDeliveryQueue = 256
	deepArchiveLines     = 15
	dailySummaryLines    = 20
)

type promptTemplate struct {
	maxLines int
	header   string
	list     string
	rules    []string
	example  string
}

var promptTemplates = map[TemplateKind]promptTemplate{
	TemplateDeepArchive: {
		maxLines: deepArchiveLines,
		header:   "Create a deep archive memory for colonist %s.",
		list:     "Summarized mid-term memories:",
		rules: []string{
			"Distill core personality traits and character",
			"Summarize key milestones and turning points",
			"Merge similar experiences and highlight long-term trends",
			"Be extremely concise, no more than 60 characters",
			"Output only the archive summary, no JSON or other formatting",
		},
		example: "Skilled builder and researcher, the colony's tech core. Repelled a major mechanoid raid in year 2. Close friends with the doctor.",
	},
	TemplateDailySummary: {
		maxLines: dailySummaryLines,
		header:   "Summarize the following memories for colonist %s.",
		list:     "Memories:",
		rules: []string{
			"Extract places, people and events",
			"Merge similar events and mark their frequency (×N)",
			"Be extremely concise, no more than 80 characters",
			"Output only the summary text, no JSON or other formatting",
		},
	},
}

// BuildPrompt renders the prompt for kind. Unknown kinds use the daily
// summary template.
func BuildPrompt(owner Owner, entries []*Entry, kind TemplateKind) string {
	tpl, ok := promptTemplates[kind]
	if !ok {
		tpl = promptTemplates[TemplateDailySummary]
	}
	name := owner.Name
	if name == "" {
		name = owner.ID
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(tpl.header, name))
	sb.WriteString("\n\n")
	sb.WriteString(tpl.list)
	sb.WriteString("\n")
	for i, e := range entries {
		if i >= tpl.maxLines {
			break
		}
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, e.Content))
	}
	sb.WriteString("\nRequirements:\n")
	for i, rule := range tpl.rules {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, rule))
	}
	if tpl.example != "" {
		sb.WriteString("\nExample: ")
		sb.WriteString(tpl.example)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Fingerprint identifies an ordered batch of entries for one agent.
func Fingerprint(owner Owner, entries []*Entry) string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return fmt.Sprintf("%s_%d_%016x", owner.ID, len(entries), xxhash.Sum64String(strings.Join(ids, "|")))
}

type callbackReg struct {
	token uint64
	fn    func(string)
}

// Pipeline runs summarization requests in the background and hands results
// back to the host loop through a delivery queue. Cache, pending set and
// callback map each have their own lock; none is held across a network call.
type Pipeline struct {
	ai      config.AIConfigProvider
	client  Completer
	shared  SharedCache
	metrics *observability.Metrics

	cache *summaryCache

	pendingMu sync.Mutex
	pending   map[string]struct{}

	callbacksMu sync.Mutex
	callbacks   map[string][]callbackReg
	nextToken   uint64

	deliveries chan func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type PipelineOption func(*Pipeline)

func WithCompleter(c Completer) PipelineOption {
	return func(p *Pipeline) { p.client = c }
}

func WithSharedCache(c SharedCache) PipelineOption {
	return func(p *Pipeline) { p.shared = c }
}

func WithPipelineMetrics(m *observability.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func WithDeliveryQueue(size int) PipelineOption {
	return func(p *Pipeline) {
		if size > 0 {
			p.deliveries = make(chan func(), size)
		}
	}
}

func NewPipeline(ai config.AIConfigProvider, opts ...PipelineOption) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		ai:         ai,
		cache:      newSummaryCache(),
		pending:    make(map[string]struct{}),
		callbacks:  make(map[string][]callbackReg),
		deliveries: make(chan func(), defaultDeliveryQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = NewClient(WithClientMetrics(p.metrics))
	}
	return p
}

// Available reports whether the provider config is complete right now.
func (p *Pipeline) Available() bool {
	return p != nil && p.ai != nil && p.ai.AIConfig().Available()
}

func (p *Pipeline) Fingerprint(owner Owner, entries []*Entry) string {
	return Fingerprint(owner, entries)
}

// RegisterCallback queues fn for delivery once key is summarized. Callbacks
// registered after the result is cached are never invoked.
func (p *Pipeline) RegisterCallback(key string, fn func(string)) uint64 {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.nextToken++
	p.callbacks[key] = append(p.callbacks[key], callbackReg{token: p.nextToken, fn: fn})
	return p.nextToken
}

func (p *Pipeline) unregister(key string, token uint64) bool {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	regs := p.callbacks[key]
	for i, reg := range regs {
		if reg.token == token {
			regs = append(regs[:i], regs[i+1:]...)
			if len(regs) == 0 {
				delete(p.callbacks, key)
			} else {
				p.callbacks[key] = regs
			}
			return true
		}
	}
	return false
}

// Summarize returns the cached summary for the batch if there is one.
// Otherwise it starts a background request unless one is already in flight
// and returns false; the result arrives through registered callbacks.
func (p *Pipeline) Summarize(owner Owner, entries []*Entry, kind TemplateKind) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	if !p.Available() {
		p.metrics.Summarize("unavailable")
		return "", false
	}
	ai := p.ai.AIConfig()

	key := Fingerprint(owner, entries)
	if text, ok := p.cache.get(key); ok {
		p.metrics.Summarize("cached")
		return text, true
	}

	p.pendingMu.Lock()
	if _, busy := p.pending[key]; busy {
		p.pendingMu.Unlock()
		p.metrics.Summarize("pending")
		return "", false
	}
	p.pending[key] = struct{}{}
	p.pendingMu.Unlock()

	p.metrics.Summarize("dispatched")
	prompt := BuildPrompt(owner, entries, kind)
	p.wg.Add(1)
	go p.run(key, ai, prompt)
	return "", false
}

// SummarizeAsync registers cb for the batch and requests it. When the
// summary is already cached it is returned directly and cb is dropped, so
// cb runs at most once and never alongside a synchronous result.
func (p *Pipeline) SummarizeAsync(owner Owner, entries []*Entry, kind TemplateKind, cb func(string)) (string, bool) {
	if !p.Available() || len(entries) == 0 {
		return "", false
	}
	key := Fingerprint(owner, entries)
	token := p.RegisterCallback(key, cb)

	text, ok := p.Summarize(owner, entries, kind)
	if !ok {
		return "", false
	}
	if p.unregister(key, token) {
		return text, true
	}
	// cb was already queued by the completing worker
	return "", false
}

func (p *Pipeline) run(key string, ai config.AIConfig, prompt string) {
	defer p.wg.Done()

	if p.shared != nil {
		text, ok, err := p.shared.Get(p.ctx, key)
		if err != nil {
			log.Printf("[summarizer] shared cache read error: %v", err)
		} else if ok && text != "" {
			p.complete(key, text)
			return
		}
	}

	text, err := p.client.Complete(p.ctx, ai, prompt)
	if err != nil {
		log.Printf("[summarizer] summary for %s failed error: %v", key, err)
		p.metrics.Summarize("failed")
		p.fail(key)
		return
	}

	if p.shared != nil {
		if err := p.shared.Set(p.ctx, key, text); err != nil {
			log.Printf("[summarizer] shared cache write error: %v", err)
		}
	}
	p.complete(key, text)
}

func (p *Pipeline) complete(key, text string) {
	p.cache.put(key, text)

	p.callbacksMu.Lock()
	regs := p.callbacks[key]
	delete(p.callbacks, key)
	p.callbacksMu.Unlock()

	p.clearPending(key)

	for _, reg := range regs {
		fn := reg.fn
		select {
		case p.deliveries <- func() { fn(text) }:
		case <-p.ctx.Done():
			return
		}
	}
}

// fail forgets key: callbacks waiting on it are dropped so a batch that
// never succeeds does not pin its entries. Callers that request the batch
// again register afresh.
func (p *Pipeline) fail(key string) {
	p.callbacksMu.Lock()
	dropped := len(p.callbacks[key])
	delete(p.callbacks, key)
	p.callbacksMu.Unlock()
	p.clearPending(key)
	if dropped > 0 {
		log.Printf("[summarizer] dropped %d callbacks for %s", dropped, key)
	}
}

// Waiting counts registered callbacks not yet delivered or dropped.
func (p *Pipeline) Waiting() int {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	n := 0
	for _, regs := range p.callbacks {
		n += len(regs)
	}
	return n
}

func (p *Pipeline) clearPending(key string) {
	p.pendingMu.Lock()
	delete(p.pending, key)
	p.pendingMu.Unlock()
}

// Drain runs up to max queued callbacks on the calling goroutine, which must
// be the host loop. A panicking callback is logged and skipped.
func (p *Pipeline) Drain(max int) int {
	ran := 0
	for ran < max {
		select {
		case fn := <-p.deliveries:
			ran++
			p.deliver(fn)
		default:
			return ran
		}
	}
	return ran
}

func (p *Pipeline) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[summarizer] callback panic: %v", r)
			p.metrics.Callback("failed")
		}
	}()
	fn()
	p.metrics.Callback("delivered")
}

// Wait blocks until every background request has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight requests and waits for workers to exit.
func (p *Pipeline) Close() error {
	p.cancel()
	p.wg.Wait()
	if p.shared != nil {
		return p.shared.Close()
	}
	return nil
}

func (p *Pipeline) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

func (p *Pipeline) QueueLen() int {
	return len(p.deliveries)
}

func (p *Pipeline) Cached() int {
	return p.cache.len()
}
