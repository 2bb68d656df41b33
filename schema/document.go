package schema

// Status is the lifecycle state of a document.
type Status string

const (
	// StatusPending means the document is uploaded but not yet processed.
	StatusPending Status = "pending"
	// StatusProcessing means an ingestion job is running for the document.
	StatusProcessing Status = "processing"
	// StatusCompleted means every chunk of the current version is indexed.
	StatusCompleted Status = "completed"
	// StatusError is terminal until a reprocess or restart.
	StatusError Status = "error"
	// StatusCancelled is terminal until a reprocess or restart.
	StatusCancelled Status = "cancelled"
)

// ProcessingStep names the pipeline phase currently running.
type ProcessingStep string

const (
	StepNormalizing ProcessingStep = "normalizing"
	StepParsing     ProcessingStep = "parsing"
	StepChunking    ProcessingStep = "chunking"
	StepEnriching   ProcessingStep = "enriching"
	StepEmbedding   ProcessingStep = "embedding"
	StepStoring     ProcessingStep = "storing"
)

// Progress reports batch-level advancement within a pipeline phase.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Step    string `json:"step"`
}

// Usage kinds recorded in usage ledger entries.
const (
	UsageKindEmbedding  = "embedding"
	UsageKindEnrichment = "enrichment"
	UsageKindCompletion = "completion"
	UsageKindInternal   = "internal"
)

// UsageRecord is one provider response's token accounting.
type UsageRecord struct {
	Model            string   `json:"model"`
	PromptTokens     int      `json:"promptTokens"`
	CompletionTokens int      `json:"completionTokens"`
	TotalTokens      int      `json:"totalTokens"`
	Cost             *float64 `json:"cost,omitempty"`
	Kind             string   `json:"kind,omitempty"`
	At               int64    `json:"at,omitempty"`
}

// DocumentMetadata is the per-document record coordinating statuses and
// progress visible to clients. One JSON file per document.
type DocumentMetadata struct {
	DocID          string         `json:"docId"`
	StoreID        string         `json:"storeId"`
	SourceURI      string         `json:"sourceUri"`
	Author         string         `json:"author,omitempty"`
	Description    string         `json:"description,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Version        string         `json:"version"`
	Status         Status         `json:"status"`
	ChunkCount     *int           `json:"chunkCount,omitempty"`
	UploadedAt     int64          `json:"uploadedAt"`
	ProcessedAt    *int64         `json:"processedAt,omitempty"`
	Error          string         `json:"error,omitempty"`
	Usage          []UsageRecord  `json:"usage,omitempty"`
	TotalCost      *float64       `json:"totalCost,omitempty"`
	TotalTokens    *int           `json:"totalTokens,omitempty"`
	ProcessingStep ProcessingStep `json:"processingStep,omitempty"`
	Progress       *Progress      `json:"progress,omitempty"`
}

// Terminal reports whether the document is in a state that no running
// job will change.
func (m *DocumentMetadata) Terminal() bool {
	switch m.Status {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// AddUsage appends records and refreshes the aggregated totals.
func (m *DocumentMetadata) AddUsage(records ...UsageRecord) {
	m.Usage = append(m.Usage, records...)
	var tokens int
	var cost float64
	var hasCost bool
	for _, u := range m.Usage {
		tokens += u.TotalTokens
		if u.Cost != nil {
			cost += *u.Cost
			hasCost = true
		}
	}
	m.TotalTokens = &tokens
	if hasCost {
		m.TotalCost = &cost
	}
}
