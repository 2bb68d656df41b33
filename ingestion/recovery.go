package ingestion

import (
	"log/slog"
	"os"

	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
)

// RecoverStranded flips documents stranded mid-run by a crash to
// cancelled: records still marked processing, and pending records that
// carry a processing step. Plain pending documents are left alone. The
// repaired records are returned so the caller can announce them.
func RecoverStranded(meta *storage.MetadataStore, logger *slog.Logger) ([]schema.DocumentMetadata, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	records, err := meta.List("")
	if err != nil {
		return nil, err
	}

	var repaired []schema.DocumentMetadata
	for _, rec := range records {
		stranded := rec.Status == schema.StatusProcessing ||
			(rec.Status == schema.StatusPending && rec.ProcessingStep != "")
		if !stranded {
			continue
		}
		updated, err := meta.UpdateStatus(rec.DocID, schema.StatusCancelled, func(m *schema.DocumentMetadata) {
			m.Error = "processing interrupted by restart"
			m.ProcessingStep = ""
			m.Progress = nil
		})
		if err != nil {
			logger.Warn("recovery update failed", "docId", rec.DocID, "error", err)
			continue
		}
		logger.Info("stranded document cancelled", "docId", rec.DocID, "was", rec.Status)
		repaired = append(repaired, updated)
	}
	return repaired, nil
}
