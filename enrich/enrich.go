package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/zoeflow/zoeflow/cache"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/usage"
)

const (
	// BatchSize is how many chunks are enriched concurrently per batch.
	BatchSize = 5
	// batchPause relieves provider pressure between batches.
	batchPause = 200 * time.Millisecond
	// DefaultMaxOutputChars clamps rendered embedded text.
	DefaultMaxOutputChars = 8000
	// temperature keeps enrichment output stable across runs.
	temperature = 0.2
)

// Result is the enrichment outcome for one chunk.
type Result struct {
	// EmbeddedText is what gets embedded instead of the raw chunk.
	EmbeddedText string
	// Enriched is false when the model produced neither a summary nor
	// key points and the raw chunk text was used instead.
	Enriched bool
	// FromCache marks results served without a model call.
	FromCache bool
}

// Enricher runs the optional LLM enrichment phase of ingestion.
// Successful enrichments are cached by the full prompt-input hash;
// fallbacks are not cached so a later run may do better.
type Enricher struct {
	client         llm.Client
	cache          *cache.EnrichmentCache
	ledger         *usage.Ledger
	model          string
	promptVersion  string
	contentSet     ContentSet
	maxOutputChars int
	pause          time.Duration
	logger         *slog.Logger
}

// NewEnricher wires the enrichment phase. An empty promptVersion means
// DefaultPromptVersion; a nil contentSet means every field.
func NewEnricher(client llm.Client, enrichmentCache *cache.EnrichmentCache, ledger *usage.Ledger, model, promptVersion string, contentSet ContentSet, logger *slog.Logger) *Enricher {
	if promptVersion == "" {
		promptVersion = DefaultPromptVersion
	}
	if contentSet == nil {
		contentSet = DefaultContentSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		client:         client,
		cache:          enrichmentCache,
		ledger:         ledger,
		model:          model,
		promptVersion:  promptVersion,
		contentSet:     contentSet,
		maxOutputChars: DefaultMaxOutputChars,
		pause:          batchPause,
		logger:         logger,
	}
}

// PromptVersion returns the active system prompt version, recorded in
// chunk metadata next to the content set.
func (e *Enricher) PromptVersion() string { return e.promptVersion }

// ContentSetString returns the canonical encoding of the active field
// set.
func (e *Enricher) ContentSetString() string { return e.contentSet.String() }

// EnrichChunks produces embedded text for every chunk: cache hits
// first, then model calls for the misses in batches of BatchSize with a
// pause between batches. Results align with chunks by index. The
// returned usage records cover only this call's model traffic; they are
// also appended to the ledger batch by batch. onProgress, when non-nil,
// observes the number of finished chunks after the cache pass and after
// every batch. content must be the normalized document text the chunk
// offsets refer to.
func (e *Enricher) EnrichChunks(ctx context.Context, doc Doc, content string, chunks []schema.Chunk, onProgress func(done int)) ([]Result, []schema.UsageRecord, error) {
	results := make([]Result, len(chunks))
	if len(chunks) == 0 {
		return results, nil, nil
	}

	keys := make([]string, len(chunks))
	contexts := make([]string, len(chunks))
	for i, chunk := range chunks {
		contexts[i] = OutwardContext(content, chunk)
		keys[i] = cache.EnrichmentKey(cache.EnrichmentKeyInput{
			Model:          e.model,
			PromptVersion:  e.promptVersion,
			DocID:          doc.DocID,
			Version:        doc.Version,
			HeadingPath:    chunk.HeadingPath,
			ContentType:    string(chunk.ContentType),
			Language:       chunk.Language,
			ChunkText:      chunk.Text,
			OutwardContext: contexts[i],
			ContentSet:     e.contentSet.String(),
		})
	}

	var pending []int
	for i, entry := range e.cache.GetMany(keys) {
		if entry != nil {
			results[i] = Result{EmbeddedText: entry.EmbeddedText, Enriched: true, FromCache: true}
			continue
		}
		pending = append(pending, i)
	}
	done := len(chunks) - len(pending)
	if onProgress != nil && done > 0 {
		onProgress(done)
	}

	var usages []schema.UsageRecord
	for batchStart := 0; batchStart < len(pending); batchStart += BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, errs.Wrap(errs.KindCancelled, "enrichment cancelled", err)
		}
		batch := pending[batchStart:min(batchStart+BatchSize, len(pending))]

		var mu sync.Mutex
		var batchUsages []schema.UsageRecord
		entries := make(map[string]schema.EnrichmentCacheEntry, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range batch {
			g.Go(func() error {
				res, rec, err := e.enrichOne(gctx, doc, chunks[idx], contexts[idx])
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				results[idx] = res
				if rec != nil {
					batchUsages = append(batchUsages, *rec)
				}
				if res.Enriched {
					entries[keys[idx]] = schema.EnrichmentCacheEntry{
						EmbeddedText:  res.EmbeddedText,
						Model:         e.model,
						PromptVersion: e.promptVersion,
						DocID:         doc.DocID,
						Version:       doc.Version,
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}

		if len(entries) > 0 {
			if err := e.cache.SetMany(entries); err != nil {
				e.logger.Warn("persist enrichment cache", "error", err)
			}
		}
		if len(batchUsages) > 0 {
			usages = append(usages, batchUsages...)
			if e.ledger != nil {
				if err := e.ledger.Append(ctx, batchUsages...); err != nil {
					e.logger.Warn("append usage ledger", "error", err)
				}
			}
		}

		done += len(batch)
		if onProgress != nil {
			onProgress(done)
		}
		if batchStart+BatchSize < len(pending) {
			select {
			case <-ctx.Done():
				return nil, nil, errs.Wrap(errs.KindCancelled, "enrichment cancelled", ctx.Err())
			case <-time.After(e.pause):
			}
		}
	}
	return results, usages, nil
}

func (e *Enricher) enrichOne(ctx context.Context, doc Doc, chunk schema.Chunk, outwardContext string) (Result, *schema.UsageRecord, error) {
	temp := float32(temperature)
	resp, err := e.client.Chat(ctx, []llm.ChatMessage{
		llm.NewSystemMessage(SystemPrompt(e.promptVersion)),
		llm.NewUserMessage(userPrompt(doc, chunk, outwardContext)),
	}, &llm.ChatOptions{Model: e.model, Temperature: &temp})
	if err != nil {
		return Result{}, nil, err
	}
	rec := resp.Usage
	rec.Kind = schema.UsageKindEnrichment
	if rec.Model == "" {
		rec.Model = e.model
	}

	fields, ok := ParseFields(resp.Content)
	if !ok {
		e.logger.Warn("unparseable enrichment response, keeping raw chunk",
			"docId", doc.DocID, "chunkIndex", chunk.Index)
		return Result{EmbeddedText: clampRunes(chunk.Text, e.maxOutputChars)}, &rec, nil
	}
	text, enriched := e.render(doc, chunk, fields)
	return Result{EmbeddedText: text, Enriched: enriched}, &rec, nil
}

// render builds the embedded text from the configured field set over
// the raw chunk. Without a summary or key points there is nothing worth
// indexing beyond the chunk itself, so the raw text wins.
func (e *Enricher) render(doc Doc, chunk schema.Chunk, fields Fields) (string, bool) {
	if strings.TrimSpace(fields.Summary) == "" && len(compactStrings(fields.KeyPoints)) == 0 {
		return clampRunes(chunk.Text, e.maxOutputChars), false
	}

	var b strings.Builder
	line := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	list := func(label string, values []string) {
		values = compactStrings(values)
		if len(values) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", label)
		for _, v := range values {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}

	if e.contentSet.Has(FieldSource) {
		line("source", doc.SourceURI)
	}
	if e.contentSet.Has(FieldHeadingPath) && len(chunk.HeadingPath) > 0 {
		line("section", strings.Join(chunk.HeadingPath, " > "))
	}
	if e.contentSet.Has(FieldAuthor) {
		line("author", doc.Author)
	}
	if e.contentSet.Has(FieldDescription) {
		line("description", doc.Description)
	}
	if e.contentSet.Has(FieldTags) && len(doc.Tags) > 0 {
		line("tags", strings.Join(doc.Tags, ", "))
	}
	if e.contentSet.Has(FieldContentType) {
		value := string(chunk.ContentType)
		if chunk.Language != "" {
			value += " (" + chunk.Language + ")"
		}
		line("content_type", value)
	}
	if e.contentSet.Has(FieldSummary) {
		line("summary", strings.TrimSpace(fields.Summary))
	}
	if e.contentSet.Has(FieldKeyPoints) {
		list("key_points", fields.KeyPoints)
	}
	if e.contentSet.Has(FieldKeywords) {
		if keywords := compactStrings(fields.Keywords); len(keywords) > 0 {
			line("keywords", strings.Join(keywords, ", "))
		}
	}
	if e.contentSet.Has(FieldEntities) {
		if entities := compactStrings(fields.Entities); len(entities) > 0 {
			line("entities", strings.Join(entities, ", "))
		}
	}
	if e.contentSet.Has(FieldPossibleQueries) {
		list("possible_queries", fields.PossibleQueries)
	}

	b.WriteString("\n")
	b.WriteString(chunk.Text)
	return clampRunes(b.String(), e.maxOutputChars), true
}

// compactStrings trims entries and drops the empty ones.
func compactStrings(values []string) []string {
	return lo.FilterMap(values, func(v string, _ int) (string, bool) {
		v = strings.TrimSpace(v)
		return v, v != ""
	})
}
