package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
	"github.com/researchmcp/orchestrator/store/rank"
)

// InsertReport implements store.RetrievalStore.
func (s *Store) InsertReport(ctx context.Context, r store.Report) (int64, error) {
	var meta []byte
	if r.Metadata != nil {
		var err error
		meta, err = json.Marshal(r.Metadata)
		if err != nil {
			return 0, err
		}
	}
	var emb any
	if len(r.QueryEmbedding) > 0 {
		emb = vectorLiteral(r.QueryEmbedding)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reports (original_query, final_report, query_embedding, metadata, rating, created_at)
		VALUES ($1, $2, $3::vector, $4, $5, now())
		RETURNING id`,
		r.OriginalQuery, r.FinalReport, emb, meta, r.Rating).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// GetReport implements store.RetrievalStore.
func (s *Store) GetReport(ctx context.Context, id int64) (store.Report, error) {
	var (
		r       store.Report
		embText *string
		meta    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, original_query, final_report, query_embedding::text, metadata, rating, created_at
		FROM reports WHERE id = $1`, id).
		Scan(&r.ID, &r.OriginalQuery, &r.FinalReport, &embText, &meta, &r.Rating, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Report{}, store.ErrNotFound
	}
	if err != nil {
		return store.Report{}, classify(err)
	}
	if embText != nil {
		r.QueryEmbedding = parseVector(*embText)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &r.Metadata)
	}
	return r, nil
}

// UpsertIndexDocument implements store.RetrievalStore.
func (s *Store) UpsertIndexDocument(ctx context.Context, d store.IndexedDocument) error {
	var emb any
	if len(d.DocEmbedding) > 0 {
		emb = vectorLiteral(d.DocEmbedding)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO index_documents (source_type, source_id, title, content, doc_embedding, doc_len, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, now(), now())
		ON CONFLICT (source_type, source_id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			doc_embedding = EXCLUDED.doc_embedding,
			doc_len = EXCLUDED.doc_len,
			updated_at = now()`,
		d.SourceType, d.SourceID, d.Title, d.Content, emb, d.DocLen)
	return classify(err)
}

// HybridSearch implements store.RetrievalStore. Candidate gathering runs the
// two index paths the schema maintains — a GIN full-text match and an HNSW
// nearest-neighbour scan — takes the union, and hands it to the shared rank
// package for BM25 + cosine scoring. Pulling candidateLimit rows per
// component keeps the final top-k a subset of the union of the component
// top lists while the expensive exact scoring stays bounded.
func (s *Store) HybridSearch(ctx context.Context, queryText string, queryEmbedding []float32, k int, scope store.SearchScope, weights store.SearchWeights) (store.HybridSearchResult, error) {
	limit := s.candidateLimit
	if limit < 2*k {
		limit = 2 * k
	}

	seen := make(map[string]bool)
	var cands []rank.Candidate
	add := func(c rank.Candidate) {
		key := c.SourceType + "/" + c.SourceID
		if !seen[key] {
			seen[key] = true
			cands = append(cands, c)
		}
	}

	if scope == store.ScopeBoth || scope == store.ScopeDocs {
		if err := s.gatherDocs(ctx, queryText, queryEmbedding, limit, add); err != nil {
			return store.HybridSearchResult{}, err
		}
	}
	if scope == store.ScopeBoth || scope == store.ScopeReports {
		if err := s.gatherReports(ctx, queryText, queryEmbedding, limit, add); err != nil {
			return store.HybridSearchResult{}, err
		}
	}

	return rank.Rank(s.bm25, cands, queryText, queryEmbedding, k, weights), nil
}

func (s *Store) gatherDocs(ctx context.Context, queryText string, queryEmbedding []float32, limit int, add func(rank.Candidate)) error {
	if queryText != "" {
		err := s.scanDocRows(ctx, add, `
			SELECT source_type, source_id, title, content, doc_embedding::text, updated_at
			FROM index_documents
			WHERE content_tsv @@ plainto_tsquery('english', $1)
			ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $1)) DESC
			LIMIT $2`, queryText, limit)
		if err != nil {
			return err
		}
	}
	if len(queryEmbedding) > 0 {
		err := s.scanDocRows(ctx, add, `
			SELECT source_type, source_id, title, content, doc_embedding::text, updated_at
			FROM index_documents
			WHERE doc_embedding IS NOT NULL
			ORDER BY doc_embedding <=> $1::vector
			LIMIT $2`, vectorLiteral(queryEmbedding), limit)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanDocRows(ctx context.Context, add func(rank.Candidate), sql string, args ...any) error {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			srcType, srcID, title, content string
			embText                        *string
			updatedAt                      time.Time
		)
		if err := rows.Scan(&srcType, &srcID, &title, &content, &embText, &updatedAt); err != nil {
			return classify(err)
		}
		c := rank.Candidate{
			SourceType: "doc:" + srcType,
			SourceID:   srcID,
			Title:      title,
			Content:    content,
			CreatedAt:  updatedAt,
		}
		if embText != nil {
			c.Embedding = parseVector(*embText)
		}
		add(c)
	}
	return classify(rows.Err())
}

func (s *Store) gatherReports(ctx context.Context, queryText string, queryEmbedding []float32, limit int, add func(rank.Candidate)) error {
	if queryText != "" {
		err := s.scanReportRows(ctx, add, `
			SELECT id, original_query, final_report, query_embedding::text, created_at
			FROM reports
			WHERE content_tsv @@ plainto_tsquery('english', $1)
			ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $1)) DESC
			LIMIT $2`, queryText, limit)
		if err != nil {
			return err
		}
	}
	if len(queryEmbedding) > 0 {
		err := s.scanReportRows(ctx, add, `
			SELECT id, original_query, final_report, query_embedding::text, created_at
			FROM reports
			WHERE query_embedding IS NOT NULL
			ORDER BY query_embedding <=> $1::vector
			LIMIT $2`, vectorLiteral(queryEmbedding), limit)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanReportRows(ctx context.Context, add func(rank.Candidate), sql string, args ...any) error {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id            int64
			query, report string
			embText       *string
			createdAt     time.Time
		)
		if err := rows.Scan(&id, &query, &report, &embText, &createdAt); err != nil {
			return classify(err)
		}
		c := rank.Candidate{
			SourceType: "report",
			SourceID:   strconv.FormatInt(id, 10),
			Title:      rank.Truncate(query, 80),
			Content:    query + "\n" + report,
			CreatedAt:  createdAt,
		}
		if embText != nil {
			c.Embedding = parseVector(*embText)
		}
		add(c)
	}
	return classify(rows.Err())
}

// GetCacheEntry implements store.RetrievalStore. Hits bump the persisted
// hit counter.
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (store.CacheEntry, error) {
	var (
		e       store.CacheEntry
		embText *string
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE cache_entries SET hit_count = hit_count + 1
		WHERE fingerprint = $1
		RETURNING fingerprint, kind, result, query_embedding::text, created_at, expires_at, hit_count`,
		fingerprint).
		Scan(&e.Fingerprint, &e.Kind, &e.Result, &embText, &e.CreatedAt, &e.ExpiresAt, &e.HitCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CacheEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.CacheEntry{}, classify(err)
	}
	if embText != nil {
		e.QueryEmbedding = parseVector(*embText)
	}
	return e, nil
}

// PutCacheEntry implements store.RetrievalStore.
func (s *Store) PutCacheEntry(ctx context.Context, e store.CacheEntry) error {
	var emb any
	if len(e.QueryEmbedding) > 0 {
		emb = vectorLiteral(e.QueryEmbedding)
	}
	result := e.Result
	if len(result) == 0 {
		result = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries (fingerprint, kind, result, query_embedding, created_at, expires_at, hit_count)
		VALUES ($1, $2, $3, $4::vector, now(), $5, 0)
		ON CONFLICT (fingerprint) DO UPDATE SET
			kind = EXCLUDED.kind,
			result = EXCLUDED.result,
			query_embedding = EXCLUDED.query_embedding,
			expires_at = EXCLUDED.expires_at`,
		e.Fingerprint, e.Kind, result, emb, e.ExpiresAt)
	return classify(err)
}

// ScanCacheEntries implements store.RetrievalStore, returning unexpired
// entries of kind for the process-local semantic scan to warm from.
func (s *Store) ScanCacheEntries(ctx context.Context, kind jobs.Kind) ([]store.CacheEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fingerprint, kind, result, query_embedding::text, created_at, expires_at, hit_count
		FROM cache_entries
		WHERE kind = $1 AND expires_at > now()`, kind)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []store.CacheEntry
	for rows.Next() {
		var (
			e       store.CacheEntry
			embText *string
		)
		if err := rows.Scan(&e.Fingerprint, &e.Kind, &e.Result, &embText, &e.CreatedAt, &e.ExpiresAt, &e.HitCount); err != nil {
			return nil, classify(err)
		}
		if embText != nil {
			e.QueryEmbedding = parseVector(*embText)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}
