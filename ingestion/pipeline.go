package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zoeflow/zoeflow/cache"
	"github.com/zoeflow/zoeflow/embedding"
	"github.com/zoeflow/zoeflow/enrich"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/status"
	"github.com/zoeflow/zoeflow/storage"
	"github.com/zoeflow/zoeflow/textsplitter"
	"github.com/zoeflow/zoeflow/usage"
	"github.com/zoeflow/zoeflow/vectorstore"
)

// Batch shapes of the pipeline loops.
const (
	embedBatchSize  = 10
	deleteBatchSize = 1000
	embedBatchPause = 500 * time.Millisecond
)

// Pipeline turns one uploaded document version into indexed chunks.
// A run normalizes and sections the text, chunks it, optionally
// enriches the chunks, drops items of prior versions, embeds
// cache-first, and upserts batch by batch.
type Pipeline struct {
	meta       *storage.MetadataStore
	stores     *vectorstore.Manager
	embedder   embedding.Embedder
	chunkCache *cache.EmbeddingCache
	enricher   *enrich.Enricher
	splitter   *textsplitter.Splitter
	ledger     *usage.Ledger
	broker     *status.Broker
	model      string
	pause      time.Duration
	logger     *slog.Logger
}

// NewPipeline wires a pipeline. enricher may be nil to disable
// enrichment; ledger and broker may be nil. A nil splitter gets the
// default chunking parameters.
func NewPipeline(meta *storage.MetadataStore, stores *vectorstore.Manager, embedder embedding.Embedder, chunkCache *cache.EmbeddingCache, enricher *enrich.Enricher, splitter *textsplitter.Splitter, ledger *usage.Ledger, broker *status.Broker, model string, logger *slog.Logger) *Pipeline {
	if splitter == nil {
		splitter = textsplitter.NewSplitter(0, 0, nil)
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Pipeline{
		meta:       meta,
		stores:     stores,
		embedder:   embedder,
		chunkCache: chunkCache,
		enricher:   enricher,
		splitter:   splitter,
		ledger:     ledger,
		broker:     broker,
		model:      model,
		pause:      embedBatchPause,
		logger:     logger,
	}
}

// ChunkID names the stored item of one chunk of one document version.
func ChunkID(docID string, index int, version string) string {
	return fmt.Sprintf("chunk_%s_%d_%s", docID, index, version)
}

// Run processes one document version end to end and finalizes the
// metadata on success. The caller translates the returned error into
// the terminal status: nil is completed, a cancelled kind is
// cancelled, anything else is error.
func (p *Pipeline) Run(ctx context.Context, doc schema.DocumentMetadata, content string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	p.step(doc.DocID, schema.StepNormalizing, nil)
	normalized := textsplitter.Normalize(content)

	if err := cancelled(ctx); err != nil {
		return err
	}
	p.step(doc.DocID, schema.StepParsing, nil)
	sections := textsplitter.ParseSections(normalized)

	if err := cancelled(ctx); err != nil {
		return err
	}
	p.step(doc.DocID, schema.StepChunking, nil)
	var chunks []schema.Chunk
	for _, section := range sections {
		for _, chunk := range p.splitter.SplitSection(section) {
			chunk.Index = len(chunks)
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) == 0 {
		return errs.New(errs.KindValidation, "No chunks generated from document")
	}

	texts, variants, docUsage, err := p.embeddedTexts(ctx, doc, normalized, chunks)
	if err != nil {
		return err
	}

	if err := cancelled(ctx); err != nil {
		return err
	}
	store, err := p.stores.Get(doc.StoreID)
	if err != nil {
		return err
	}
	total := len(chunks)
	p.step(doc.DocID, schema.StepEmbedding, progress(0, total, schema.StepEmbedding))

	stale, err := p.deleteStale(ctx, store, doc.DocID, doc.Version)
	if err != nil {
		return err
	}
	if stale > 0 {
		p.logger.Info("stale chunks deleted", "docId", doc.DocID, "count", stale)
	}

	createdAt := schema.NowMillis()
	for start := 0; start < total; start += embedBatchSize {
		if err := cancelled(ctx); err != nil {
			return err
		}
		end := min(start+embedBatchSize, total)
		p.step(doc.DocID, schema.StepEmbedding, progress(start, total, schema.StepEmbedding))

		vectors, recs, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return err
		}
		docUsage = append(docUsage, recs...)

		indexedAt := schema.NowMillis()
		items := make([]schema.VectorStoreItem, 0, end-start)
		for i := start; i < end; i++ {
			items = append(items, p.item(doc, chunks[i], texts[i], variants[i], vectors[i-start], createdAt, indexedAt))
		}

		p.step(doc.DocID, schema.StepStoring, progress(start, total, schema.StepStoring))
		if _, _, err := store.Upsert(ctx, items); err != nil {
			return err
		}

		if end < total {
			select {
			case <-ctx.Done():
				return cancelled(ctx)
			case <-time.After(p.pause):
			}
		}
	}

	now := schema.NowMillis()
	count := total
	final, err := p.meta.UpdateStatus(doc.DocID, schema.StatusCompleted, func(m *schema.DocumentMetadata) {
		m.ChunkCount = &count
		m.ProcessedAt = &now
		m.Error = ""
		m.ProcessingStep = ""
		m.Progress = nil
		m.AddUsage(docUsage...)
	})
	if err != nil {
		return err
	}
	p.publish(&final)
	p.logger.Info("document processed",
		"docId", doc.DocID, "version", doc.Version, "chunks", count)
	return nil
}

// embeddedTexts resolves the text actually embedded per chunk. With an
// enricher every chunk goes through enrichment (falling back to the raw
// chunk when the model yields nothing usable); without one the raw
// chunk is framed with its provenance.
func (p *Pipeline) embeddedTexts(ctx context.Context, doc schema.DocumentMetadata, normalized string, chunks []schema.Chunk) ([]string, []string, []schema.UsageRecord, error) {
	texts := make([]string, len(chunks))
	variants := make([]string, len(chunks))

	if p.enricher == nil {
		for i, chunk := range chunks {
			texts[i] = defaultEmbeddedText(doc, chunk)
			variants[i] = schema.ChunkVariantRaw
		}
		return texts, variants, nil, nil
	}

	if err := cancelled(ctx); err != nil {
		return nil, nil, nil, err
	}
	total := len(chunks)
	p.step(doc.DocID, schema.StepEnriching, progress(0, total, schema.StepEnriching))
	results, usages, err := p.enricher.EnrichChunks(ctx, enrichDoc(doc), normalized, chunks, func(done int) {
		p.step(doc.DocID, schema.StepEnriching, progress(done, total, schema.StepEnriching))
	})
	if err != nil {
		return nil, nil, nil, err
	}
	for i, res := range results {
		texts[i] = res.EmbeddedText
		variants[i] = schema.ChunkVariantRaw
		if res.Enriched {
			variants[i] = schema.ChunkVariantEnriched
		}
	}
	return texts, variants, usages, nil
}

// embedBatch resolves one batch of texts cache-first, embeds only the
// misses, writes them back, and returns vectors aligned with texts.
func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, []schema.UsageRecord, error) {
	vectors := p.chunkCache.GetMany(p.model, texts)

	var missTexts []string
	var missAt []int
	for i, vec := range vectors {
		if vec == nil {
			missTexts = append(missTexts, texts[i])
			missAt = append(missAt, i)
		}
	}
	if len(missTexts) == 0 {
		return vectors, nil, nil
	}

	embedded, rec, err := p.embedder.Embed(ctx, missTexts, p.model)
	if err != nil {
		return nil, nil, err
	}
	if len(embedded) != len(missTexts) {
		return nil, nil, errs.Errorf(errs.KindProvider,
			"embedding count mismatch: got %d vectors for %d texts", len(embedded), len(missTexts))
	}
	if err := p.chunkCache.SetMany(p.model, missTexts, embedded); err != nil {
		p.logger.Warn("persist embedding cache", "error", err)
	}
	if p.ledger != nil {
		if err := p.ledger.Append(ctx, rec); err != nil {
			p.logger.Warn("append usage ledger", "error", err)
		}
	}
	for i, at := range missAt {
		vectors[at] = embedded[i]
	}
	return vectors, []schema.UsageRecord{rec}, nil
}

// deleteStale removes items of the same document under a different
// version, in batches.
func (p *Pipeline) deleteStale(ctx context.Context, store vectorstore.Store, docID, version string) (int, error) {
	items, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, item := range items {
		if item.Metadata == nil || metaString(item.Metadata, schema.MetaDocID) != docID {
			continue
		}
		if metaString(item.Metadata, schema.MetaVersion) == version {
			continue
		}
		ids = append(ids, item.ID)
	}

	deleted := 0
	for start := 0; start < len(ids); start += deleteBatchSize {
		if err := cancelled(ctx); err != nil {
			return deleted, err
		}
		end := min(start+deleteBatchSize, len(ids))
		n, err := store.Delete(ctx, ids[start:end])
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// item assembles the stored form of one chunk. Text stays the raw
// chunk; the embedding comes from embeddedText, recorded under
// vectorized_text when the two differ through enrichment.
func (p *Pipeline) item(doc schema.DocumentMetadata, chunk schema.Chunk, embeddedText, variant string, vector []float32, createdAt, indexedAt int64) schema.VectorStoreItem {
	metadata := map[string]any{
		schema.MetaDocID:        doc.DocID,
		schema.MetaSourceURI:    doc.SourceURI,
		schema.MetaVersion:      doc.Version,
		schema.MetaHeadingPath:  chunk.HeadingPath,
		schema.MetaChunkIndex:   chunk.Index,
		schema.MetaStartChar:    chunk.StartChar,
		schema.MetaEndChar:      chunk.EndChar,
		schema.MetaStartLine:    chunk.StartLine,
		schema.MetaEndLine:      chunk.EndLine,
		schema.MetaContentType:  string(chunk.ContentType),
		schema.MetaParentID:     doc.DocID,
		schema.MetaChunkVariant: variant,
		schema.MetaCreatedAt:    createdAt,
		schema.MetaIndexedAt:    indexedAt,
	}
	if doc.Description != "" {
		metadata[schema.MetaDocDescription] = doc.Description
	}
	if doc.Author != "" {
		metadata[schema.MetaDocAuthor] = doc.Author
	}
	if len(doc.Tags) > 0 {
		metadata[schema.MetaDocTags] = doc.Tags
	}
	if chunk.Language != "" {
		metadata[schema.MetaLanguage] = chunk.Language
	}
	if variant == schema.ChunkVariantEnriched {
		metadata[schema.MetaVectorizedText] = embeddedText
		metadata[schema.MetaEnrichPromptVer] = p.enricher.PromptVersion()
		metadata[schema.MetaEnrichContentSet] = p.enricher.ContentSetString()
	}
	return schema.VectorStoreItem{
		ID:        ChunkID(doc.DocID, chunk.Index, doc.Version),
		Text:      chunk.Text,
		Embedding: vector,
		Metadata:  metadata,
	}
}

// step records the current phase on the metadata record and announces
// it. A failed write is logged, not returned; the run continues.
func (p *Pipeline) step(docID string, step schema.ProcessingStep, prog *schema.Progress) {
	meta, err := p.meta.UpdateStatus(docID, schema.StatusProcessing, func(m *schema.DocumentMetadata) {
		m.ProcessingStep = step
		m.Progress = prog
	})
	if err != nil {
		p.logger.Warn("processing step update failed", "docId", docID, "step", step, "error", err)
		return
	}
	p.publish(&meta)
}

func (p *Pipeline) publish(meta *schema.DocumentMetadata) {
	if p.broker != nil {
		p.broker.Publish(meta)
	}
}

func progress(current, total int, step schema.ProcessingStep) *schema.Progress {
	return &schema.Progress{Current: current, Total: total, Step: string(step)}
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindCancelled, "ingestion cancelled", err)
	}
	return nil
}

func enrichDoc(doc schema.DocumentMetadata) enrich.Doc {
	return enrich.Doc{
		SourceURI:   doc.SourceURI,
		DocID:       doc.DocID,
		Version:     doc.Version,
		Author:      doc.Author,
		Description: doc.Description,
		Tags:        doc.Tags,
	}
}

// defaultEmbeddedText frames the raw chunk with source, document id,
// version, and section.
func defaultEmbeddedText(doc schema.DocumentMetadata, chunk schema.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "source: %s\n", doc.SourceURI)
	fmt.Fprintf(&b, "doc_id: %s\n", doc.DocID)
	fmt.Fprintf(&b, "version: %s\n", doc.Version)
	if len(chunk.HeadingPath) > 0 {
		fmt.Fprintf(&b, "section: %s\n", strings.Join(chunk.HeadingPath, " > "))
	}
	b.WriteString("\n")
	b.WriteString(chunk.Text)
	return b.String()
}

func metaString(metadata map[string]any, key string) string {
	if s, ok := metadata[key].(string); ok {
		return s
	}
	return ""
}
