package contract

import (
	statex "github.com/dmartinelli/storebot/agent/state"
)

// IntentResult is the transient classification outcome. It is never persisted
// on its own; the label rides on the message that triggered classification.
type IntentResult struct {
	Label    statex.IntentLabel `json:"label"`
	Detected bool               `json:"detected"`
}

type CatalogItem struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

// CatalogResult is the product-match-or-not shape from the catalog boundary.
// NeedsFollowUp lets the adapter ask the engine to solicit a narrower query.
type CatalogResult struct {
	Found         bool          `json:"found"`
	Items         []CatalogItem `json:"items,omitempty"`
	NeedsFollowUp bool          `json:"needs_follow_up,omitempty"`
}

// KnowledgeResult is the topic-match-or-not shape from the knowledge boundary.
type KnowledgeResult struct {
	Found  bool   `json:"found"`
	Answer string `json:"answer_text,omitempty"`
}
