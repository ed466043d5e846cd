package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const resolveSongQuery = `SELECT media_path FROM songs WHERE id = $1`

// rowQuerier is the part of pgxpool.Pool the resolver uses
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresResolver looks song ids up in the media library and hands the stored path
// to a StaticResolver for URL construction. References that are not library ids miss
// with ErrNotFound so it can sit in front of a StaticResolver in a ChainResolver; unknown
// library ids fail with ErrInvalidReference and stop the chain.
type PostgresResolver struct {
	db    rowQuerier
	paths *StaticResolver
}

func NewPostgresResolver(pool *pgxpool.Pool, baseURL string) *PostgresResolver {
	return &PostgresResolver{db: pool, paths: NewStaticResolver(baseURL)}
}

func (p *PostgresResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !isLibraryID(ref) {
		return "", fmt.Errorf("%w: %q is not a library id", ErrNotFound, ref)
	}

	var mediaPath string
	err := p.db.QueryRow(ctx, resolveSongQuery, ref).Scan(&mediaPath)
	if errors.Is(err, pgx.ErrNoRows) {
		// a library id must not fall through to path resolution
		return "", fmt.Errorf("%w: song %s is not in the library", ErrInvalidReference, ref)
	}
	if err != nil {
		log.Error().Err(err).Str("song_id", ref).Msg("failed to look up song media")
		return "", fmt.Errorf("query song media: %w", err)
	}

	return p.paths.Resolve(ctx, mediaPath)
}

// isLibraryID reports whether ref looks like a library key rather than a path or URL
func isLibraryID(ref string) bool {
	if ref == "" {
		return false
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
