package doma

// backfill.go — endpoints REST de backfill (listings, offers).
//
// La respuesta puede ser un array plano o una página {"data":[...],
// "next_cursor":"..."}. En el segundo caso se sigue el cursor hasta agotarlo.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/alejandrodnm/domasync/internal/domain"
)

const maxPages = 50

// FetchSince devuelve las filas de collection con seq > sinceSeq.
// Implementa ports.BackfillProvider.
func (c *Client) FetchSince(ctx context.Context, collection string, sinceSeq int64) ([]domain.BackfillRecord, error) {
	var all []domain.BackfillRecord
	cursor := ""

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("since_seq", strconv.FormatInt(sinceSeq, 10))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		u := fmt.Sprintf("%s/%s?%s", c.base, url.PathEscape(collection), q.Encode())

		var raw json.RawMessage
		if err := c.get(ctx, u, &raw); err != nil {
			return nil, fmt.Errorf("doma.FetchSince: %s: %w", collection, err)
		}

		rows, next, err := splitPage(raw)
		if err != nil {
			return nil, fmt.Errorf("doma.FetchSince: %s: %w", collection, err)
		}
		recs, skipped := mapRecords(rows)
		all = append(all, recs...)

		slog.Debug("doma: fetched backfill page",
			"collection", collection,
			"since_seq", sinceSeq,
			"rows", len(rows),
			"skipped", skipped,
			"has_more", next != "",
		)

		if next == "" {
			return all, nil
		}
		cursor = next
	}

	slog.Warn("doma: backfill page limit reached", "collection", collection, "pages", maxPages)
	return all, nil
}

// splitPage separa las filas y el cursor siguiente de una respuesta.
func splitPage(raw json.RawMessage) ([]json.RawMessage, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, "", fmt.Errorf("decode rows: %w", err)
		}
		return rows, "", nil
	}

	var p pagedRows
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, "", fmt.Errorf("decode page: %w", err)
	}
	return p.Data, p.NextCursor, nil
}
