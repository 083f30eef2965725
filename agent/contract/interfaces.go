package contract

import "context"

// Classifier wraps the external intent model. History is ordered oldest
// first, newest last; the adapter decides how much of it to use.
type Classifier interface {
	Classify(ctx context.Context, history []string, text string) (IntentResult, error)
}

// Catalog wraps the remote product lookup capability.
type Catalog interface {
	Search(ctx context.Context, query string) (CatalogResult, error)
}

// Knowledge wraps the local store-facts lookup.
type Knowledge interface {
	Lookup(ctx context.Context, query string) (KnowledgeResult, error)
}
