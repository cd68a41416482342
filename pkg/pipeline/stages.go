// Package pipeline runs the staged document-processing flow: the executor
// drives one stage item by item with crash-safe partial progress, and the
// orchestrator walks the stage sequence for a claimed job.
package pipeline

import (
	"github.com/lexpipe/lexpipe/pkg/models"
)

// Stage names, in pipeline order for a full document-processing run.
const (
	StageOCR              = "ocr"
	StageValidation       = "validation"
	StageChunking         = "chunking"
	StageEmbedding        = "embedding"
	StageEntityExtraction = "entity_extraction"
	StageAliasResolution  = "alias_resolution"
	StageTimeline         = "timeline"
)

// documentStages is the full DOCUMENT_PROCESSING sequence.
var documentStages = []string{
	StageOCR,
	StageValidation,
	StageChunking,
	StageEmbedding,
	StageEntityExtraction,
	StageAliasResolution,
	StageTimeline,
}

// stagesByType maps single-stage job types to their one stage. Used by the
// stuck-queued redispatcher, which dispatches embed-only or extract-only
// jobs for documents that stalled mid-pipeline.
var stagesByType = map[models.JobType][]string{
	models.JobTypeDocumentProcessing: documentStages,
	models.JobTypeOCR:                {StageOCR},
	models.JobTypeValidation:         {StageValidation},
	models.JobTypeChunking:           {StageChunking},
	models.JobTypeEmbedding:          {StageEmbedding},
	models.JobTypeEntityExtraction:   {StageEntityExtraction},
	models.JobTypeAliasResolution:    {StageAliasResolution},
}

// StagesFor returns the ordered stage list for a job type, or nil for an
// unknown type.
func StagesFor(jobType models.JobType) []string {
	return stagesByType[jobType]
}
