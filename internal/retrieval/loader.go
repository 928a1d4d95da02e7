package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ReferenceFetcher returns the reference text stored under key for a
// class. ok is false when no such content exists.
type ReferenceFetcher interface {
	Reference(ctx context.Context, class, key string) (text string, ok bool)
}

// LoadResult is the outcome of one Load call.
type LoadResult struct {
	// Blob wraps every loaded fragment and placeholder for the prompt.
	Blob string
	// Status tells the model which keys were loaded for this request.
	Status string
	// Loaded lists the keys whose text was included.
	Loaded []string
	// Failed lists keys that were missing or rejected by the budget.
	Failed []string
	// Bytes is the total size of the included reference text.
	Bytes int
}

// Loader fetches requested reference content within a per-call byte
// budget.
type Loader struct {
	fetcher     ReferenceFetcher
	budgetBytes int
	logger      *slog.Logger
}

// NewLoader creates a loader with the given cumulative byte budget.
func NewLoader(fetcher ReferenceFetcher, budgetBytes int, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		fetcher:     fetcher,
		budgetBytes: budgetBytes,
		logger:      logger,
	}
}

// Load fetches keys for class in order. The first key is always
// included whatever its size; each later key is included only while the
// running total stays within the budget.
func (l *Loader) Load(ctx context.Context, class string, keys []string) LoadResult {
	var res LoadResult
	var b strings.Builder
	b.WriteString("<ssrcontents>")

	for i, key := range keys {
		text, ok := l.fetcher.Reference(ctx, class, key)
		if !ok || text == "" {
			l.logger.Warn("reference content not found", "class_selection", class, "content_key", key)
			fmt.Fprintf(&b, "<ssrcontent name='%s'>No Content by this name Exists</ssrcontent>\n", key)
			res.Failed = append(res.Failed, key)
			continue
		}

		size := len(text)
		if i > 0 && res.Bytes+size > l.budgetBytes {
			l.logger.Info("reference content over budget",
				"class_selection", class,
				"content_key", key,
				"size", size,
				"running", res.Bytes,
				"budget", l.budgetBytes,
			)
			fmt.Fprintf(&b, "<ssrcontent name='%s'>Failed to Load this because SSR Content size exceeded.</ssrcontent>\n", key)
			res.Failed = append(res.Failed, key)
			continue
		}

		fmt.Fprintf(&b, "\n<ssrcontent name='%s'>\n%s\n</ssrcontent>\n", key, text)
		res.Loaded = append(res.Loaded, key)
		res.Bytes += size
	}

	b.WriteString("</ssrcontents>")
	res.Blob = b.String()
	res.Status = fmt.Sprintf("Loaded SSR Content %s for this request only.", strings.Join(res.Loaded, ","))
	return res
}
