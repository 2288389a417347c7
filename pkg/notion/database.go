package notion

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// maxPages bounds one traversal so a cursor loop on the remote side cannot
// spin forever.
const maxPages = 1000

// EachPage walks every result page of a database query, calling fn with
// each batch in order. Filter, Sorts and PageSize are taken from base; its
// StartCursor is ignored. Returning an error from fn stops the walk.
func EachPage(ctx context.Context, c Client, dbID string, base *notionapi.DatabaseQueryRequest, fn func([]notionapi.Page) error) error {
	var cursor notionapi.Cursor
	for n := 0; n < maxPages; n++ {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if base != nil {
			req.Filter, req.Sorts, req.PageSize = base.Filter, base.Sorts, base.PageSize
		}

		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return eris.Wrapf(err, "notion: query %s page %d", dbID, n+1)
		}
		if err := fn(resp.Results); err != nil {
			return err
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return nil
		}
		cursor = resp.NextCursor
	}
	return eris.Errorf("notion: query %s exceeded %d pages", dbID, maxPages)
}

// QueryAll collects every page a query returns.
func QueryAll(ctx context.Context, c Client, dbID string, base *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	err := EachPage(ctx, c, dbID, base, func(batch []notionapi.Page) error {
		all = append(all, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// QueryEditedSince fetches pages whose last_edited_time is on or after
// since, oldest edit first.
func QueryEditedSince(ctx context.Context, c Client, dbID string, since time.Time) ([]notionapi.Page, error) {
	date := notionapi.Date(since.UTC())
	req := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.TimestampFilter{
			Timestamp: notionapi.TimestampLastEdited,
			LastEditedTime: &notionapi.DateFilterCondition{
				OnOrAfter: &date,
			},
		},
		Sorts: []notionapi.SortObject{{
			Timestamp: notionapi.TimestampLastEdited,
			Direction: notionapi.SortOrderASC,
		}},
	}
	pages, err := QueryAll(ctx, c, dbID, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: query edited since")
	}
	return pages, nil
}
