package pipeline

import "fmt"

// Object-store keys for per-document pipeline artifacts. Everything lives
// under the matter prefix so blob-level cleanup can stay matter-scoped.

func mergedOCRPath(matterID, documentID string) string {
	return fmt.Sprintf("matters/%s/documents/%s/ocr/merged.json", matterID, documentID)
}

func segmentsPath(matterID, documentID string) string {
	return fmt.Sprintf("matters/%s/documents/%s/chunks/segments.json", matterID, documentID)
}

func embeddingPath(matterID, documentID string, segment int) string {
	return fmt.Sprintf("matters/%s/documents/%s/embeddings/segment-%d.json", matterID, documentID, segment)
}

func pageEntitiesPath(matterID, documentID string, page int) string {
	return fmt.Sprintf("matters/%s/documents/%s/entities/page-%d.json", matterID, documentID, page)
}

func aliasesPath(matterID, documentID string) string {
	return fmt.Sprintf("matters/%s/documents/%s/entities/aliases.json", matterID, documentID)
}

func timelinePath(matterID, documentID string) string {
	return fmt.Sprintf("matters/%s/documents/%s/timeline/events.json", matterID, documentID)
}
