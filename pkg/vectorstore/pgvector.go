package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Document represents a document chunk with its embedding
type Document struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// Source returns the "source" metadata value, or "unknown".
func (d Document) Source() string {
	if s, ok := d.Metadata["source"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// Title returns the "title" metadata value, if any.
func (d Document) Title() string {
	if s, ok := d.Metadata["title"].(string); ok {
		return s
	}
	return ""
}

// PGVectorStore is one vector store: a pgvector table named after the store id.
type PGVectorStore struct {
	pool      *pgxpool.Pool
	tableName string
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-zA-Z0-9_]{0,62}$`)

// isValidTableName only admits names that are safe as postgres identifiers:
// lowercase letter or underscore first, alphanumerics and underscores after, at most 63 chars.
func isValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// NewPGVectorStore opens the vector store with the given id.
func NewPGVectorStore(pool *pgxpool.Pool, storeID string) (*PGVectorStore, error) {
	if !isValidTableName(storeID) {
		return nil, fmt.Errorf("invalid vector store id %q: must contain only alphanumeric characters and underscores, start with a lowercase letter or underscore, and be 1-63 characters long", storeID)
	}
	return &PGVectorStore{
		pool:      pool,
		tableName: storeID,
	}, nil
}

// ID returns the vector store id.
func (vs *PGVectorStore) ID() string {
	return vs.tableName
}

func (vs *PGVectorStore) table() string {
	return pgx.Identifier{vs.tableName}.Sanitize()
}

// EnsureCollection creates the pgvector extension, the table and its HNSW index.
func (vs *PGVectorStore) EnsureCollection(ctx context.Context, dimension int) error {
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			content TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, vs.table(), dimension)
	if _, err := vs.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", vs.tableName, err)
	}

	// HNSW supports up to 2000 dimensions; above that we fall back to exact search.
	if dimension <= 2000 {
		indexQuery := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s
			ON %s USING hnsw (embedding vector_cosine_ops)
		`, pgx.Identifier{vs.tableName + "_embedding_idx"}.Sanitize(), vs.table())
		if _, err := vs.pool.Exec(ctx, indexQuery); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", vs.tableName, err)
		}
	}

	sourceIdx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((metadata->>'source'))`,
		pgx.Identifier{vs.tableName + "_source_idx"}.Sanitize(), vs.table())
	if _, err := vs.pool.Exec(ctx, sourceIdx); err != nil {
		return fmt.Errorf("failed to create source index on %s: %w", vs.tableName, err)
	}

	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// AddDocuments inserts documents in a single batch
func (vs *PGVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	return vs.insert(ctx, vs.pool, docs)
}

func (vs *PGVectorStore) insert(ctx context.Context, db execer, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, embedding)
		VALUES ($1, $2, $3)
	`, vs.table())

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		batch.Queue(query, doc.Content, metadataJSON, pgvector.NewVector(doc.Embedding))
	}

	br := db.SendBatch(ctx, batch)
	defer br.Close()

	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}

	return nil
}

// SimilaritySearchResult is a search hit with its cosine similarity
type SimilaritySearchResult struct {
	Document Document
	Score    float64
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	TopK   int
	Source string
	// Filter is a metadata filter supporting $and, $or and $not.
	Filter map[string]interface{}
}

// SimilaritySearch returns the TopK documents closest to the query embedding.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]SimilaritySearchResult, error) {
	query, args, err := vs.buildSearchQuery(pgvector.NewVector(queryEmbedding), opts)
	if err != nil {
		return nil, err
	}

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	defer rows.Close()

	var results []SimilaritySearchResult
	for rows.Next() {
		var doc Document
		var metadataJSON []byte
		var similarity float64

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := unmarshalMetadata(metadataJSON, &doc); err != nil {
			return nil, err
		}

		results = append(results, SimilaritySearchResult{Document: doc, Score: similarity})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return results, nil
}

func (vs *PGVectorStore) buildSearchQuery(embedding interface{}, opts SearchOptions) (string, []interface{}, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	args := []interface{}{embedding}
	var conditions []string

	if opts.Source != "" {
		args = append(args, opts.Source)
		conditions = append(conditions, fmt.Sprintf("metadata->>'source' = $%d", len(args)))
	}
	if len(opts.Filter) > 0 {
		where, err := vs.buildMetadataQuery(opts.Filter, &args)
		if err != nil {
			return "", nil, fmt.Errorf("failed to build metadata query: %w", err)
		}
		conditions = append(conditions, where)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, topK)
	query := fmt.Sprintf(`SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity FROM %s %s ORDER BY embedding <=> $1 LIMIT $%d`,
		vs.table(), where, len(args))

	return query, args, nil
}

// GetContentBySource retrieves every chunk of a source in insertion order
func (vs *PGVectorStore) GetContentBySource(ctx context.Context, source string) ([]Document, error) {
	query := fmt.Sprintf(`
		SELECT id, content, metadata
		FROM %s
		WHERE metadata->>'source' = $1
		ORDER BY created_at ASC
	`, vs.table())

	rows, err := vs.pool.Query(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		var doc Document
		var metadataJSON []byte

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := unmarshalMetadata(metadataJSON, &doc); err != nil {
			return nil, err
		}

		documents = append(documents, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return documents, nil
}

// HasSource reports whether any chunk of the source is indexed.
func (vs *PGVectorStore) HasSource(ctx context.Context, source string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE metadata->>'source' = $1)`, vs.table())

	var exists bool
	if err := vs.pool.QueryRow(ctx, query, source).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check source: %w", err)
	}
	return exists, nil
}

// DeleteBySource removes every chunk of the source and returns how many were deleted.
func (vs *PGVectorStore) DeleteBySource(ctx context.Context, source string) (int64, error) {
	return vs.deleteSource(ctx, vs.pool, source)
}

// ReplaceSource swaps the chunks of source for docs in one transaction, so a
// failed insert keeps the old chunks. It returns how many chunks were removed.
func (vs *PGVectorStore) ReplaceSource(ctx context.Context, source string, docs []Document) (int64, error) {
	var removed int64
	err := pgx.BeginFunc(ctx, vs.pool, func(tx pgx.Tx) error {
		n, err := vs.deleteSource(ctx, tx, source)
		if err != nil {
			return err
		}
		removed = n
		return vs.insert(ctx, tx, docs)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to replace source %s: %w", source, err)
	}
	return removed, nil
}

func (vs *PGVectorStore) deleteSource(ctx context.Context, db execer, source string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE metadata->>'source' = $1`, vs.table())

	result, err := db.Exec(ctx, query, source)
	if err != nil {
		return 0, fmt.Errorf("failed to delete source %s: %w", source, err)
	}
	return result.RowsAffected(), nil
}

// Count returns the number of chunks in the store.
func (vs *PGVectorStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := vs.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, vs.table())).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func unmarshalMetadata(raw []byte, doc *Document) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &doc.Metadata); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}

// buildMetadataQuery recursively builds a SQL WHERE clause from a filter.
// Plain keys become JSONB containment checks; $and/$or take lists, $not an object.
func (vs *PGVectorStore) buildMetadataQuery(filter map[string]interface{}, args *[]interface{}) (string, error) {
	if len(filter) == 0 {
		return "TRUE", nil
	}

	var conditions []string

	for key, value := range filter {
		switch key {
		case "$and", "$or":
			list, ok := value.([]interface{})
			if !ok {
				return "", fmt.Errorf("value for %s must be a list of conditions", key)
			}
			var subConditions []string
			for _, item := range list {
				subMap, ok := item.(map[string]interface{})
				if !ok {
					return "", fmt.Errorf("item in %s list must be a JSON object", key)
				}
				subQuery, err := vs.buildMetadataQuery(subMap, args)
				if err != nil {
					return "", err
				}
				subConditions = append(subConditions, "("+subQuery+")")
			}

			if len(subConditions) == 0 {
				continue
			}

			op := " AND "
			if key == "$or" {
				op = " OR "
			}
			conditions = append(conditions, "("+strings.Join(subConditions, op)+")")

		case "$not":
			subMap, ok := value.(map[string]interface{})
			if !ok {
				return "", fmt.Errorf("value for $not must be a JSON object")
			}
			subQuery, err := vs.buildMetadataQuery(subMap, args)
			if err != nil {
				return "", err
			}
			conditions = append(conditions, "NOT ("+subQuery+")")

		default:
			jsonBytes, err := json.Marshal(map[string]interface{}{key: value})
			if err != nil {
				return "", fmt.Errorf("failed to marshal metadata pair: %w", err)
			}
			*args = append(*args, jsonBytes)
			conditions = append(conditions, fmt.Sprintf("metadata @> $%d", len(*args)))
		}
	}

	if len(conditions) == 0 {
		return "TRUE", nil
	}

	return strings.Join(conditions, " AND "), nil
}
