package history

import (
	"context"
	"strings"
)

// NewStore picks a backend from databaseURL: empty for in-memory,
// postgres:// or postgresql:// for postgres, sqlite:<path> or file:<path>
// for a local sqlite file.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, url)
	default:
		return NewPostgresStore(ctx, url)
	}
}
