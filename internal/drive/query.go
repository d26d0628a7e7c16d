package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// maxQueryURLLength is the request-target length above which a query
// falls back from GET to POST with the identical logical payload. 1800
// characters leaves headroom under the common 2048-byte proxy limit for
// scheme, host, and transport framing.
const maxQueryURLLength = 1800

// canonicalizeParams reconciles the two userDate representations into
// the single UserDate range and applies the active-only fileState
// default, so the server never sees an ambiguous filter.
func canonicalizeParams(params FileQueryParams) FileQueryParams {
	if params.UserDateStart != nil || params.UserDateEnd != nil {
		r := TimeRange{}
		if params.UserDate != nil {
			r = *params.UserDate
		}

		if params.UserDateStart != nil {
			r.Start = *params.UserDateStart
		}
		if params.UserDateEnd != nil {
			r.End = *params.UserDateEnd
		}

		params.UserDate = &r
		params.UserDateStart = nil
		params.UserDateEnd = nil
	}

	if len(params.FileState) == 0 {
		params.FileState = []int{FileStateActive}
	}

	return params
}

// queryBatchRequest is the POST form of a batch query.
type queryBatchRequest struct {
	QueryParams          FileQueryParams         `json:"queryParams"`
	ResultOptionsRequest QueryBatchResultOptions `json:"resultOptionsRequest"`
}

// queryModifiedRequest is the POST form of a modified query.
type queryModifiedRequest struct {
	QueryParams   FileQueryParams            `json:"queryParams"`
	ResultOptions QueryModifiedResultOptions `json:"resultOptions"`
}

// QueryBatch executes one page of a cursor-paginated batch query.
// Stateless relative to prior calls: pass the cursorState from the
// previous response to continue. When decrypt is set, each encrypted
// row's content is decrypted in place; a row that fails to decrypt
// keeps its header but loses its content rather than failing the page.
func (c *Client) QueryBatch(ctx context.Context, params FileQueryParams, opts QueryBatchResultOptions, decrypt bool) (*QueryBatchResponse, error) {
	params = canonicalizeParams(params)

	values := batchQueryValues(params, opts)
	endpoint := "/drive/query/batch"

	var resp QueryBatchResponse

	target := endpoint + "?" + values.Encode()
	if len(target) <= maxQueryURLLength {
		if err := c.getJSON(ctx, target, &resp); err != nil {
			return nil, err
		}
	} else {
		req := queryBatchRequest{QueryParams: params, ResultOptionsRequest: opts}
		if err := c.postJSON(ctx, endpoint, req, &resp); err != nil {
			return nil, err
		}
	}

	if decrypt {
		c.decryptSearchResults(resp.SearchResults)
	}

	return &resp, nil
}

// QueryModified executes one page of the modification-cursor variant.
func (c *Client) QueryModified(ctx context.Context, params FileQueryParams, opts QueryModifiedResultOptions, decrypt bool) (*QueryModifiedResponse, error) {
	params = canonicalizeParams(params)

	values := batchQueryValues(params, QueryBatchResultOptions{MaxRecords: opts.MaxRecords})
	values.Del("includeMetadataHeader")
	values.Set("includeHeaderContent", strconv.FormatBool(opts.IncludeHeaderContent))
	if opts.Cursor != "" {
		values.Set("cursor", string(opts.Cursor))
	}
	if opts.ExcludePreviewThumbnail {
		values.Set("excludePreviewThumbnail", "true")
	}

	endpoint := "/drive/query/modified"

	var resp QueryModifiedResponse

	target := endpoint + "?" + values.Encode()
	if len(target) <= maxQueryURLLength {
		if err := c.getJSON(ctx, target, &resp); err != nil {
			return nil, err
		}
	} else {
		req := queryModifiedRequest{QueryParams: params, ResultOptions: opts}
		if err := c.postJSON(ctx, endpoint, req, &resp); err != nil {
			return nil, err
		}
	}

	if decrypt {
		c.decryptSearchResults(resp.SearchResults)
	}

	return &resp, nil
}

// QueryBatchCollection executes several named batch queries in one
// round trip. The GET form carries each query as an encoded "queries"
// parameter; past the URL threshold the same collection posts as JSON.
func (c *Client) QueryBatchCollection(ctx context.Context, queries []NamedQuery, decrypt bool) (*QueryBatchCollectionResponse, error) {
	for i := range queries {
		queries[i].QueryParams = canonicalizeParams(queries[i].QueryParams)
	}

	endpoint := "/drive/query/batchcollection"

	values := url.Values{}
	for _, q := range queries {
		encoded, err := json.Marshal(q)
		if err != nil {
			return nil, fmt.Errorf("marshalling query %q: %w", q.Name, err)
		}

		values.Add("queries", string(encoded))
	}

	var resp QueryBatchCollectionResponse

	target := endpoint + "?" + values.Encode()
	if len(target) <= maxQueryURLLength {
		if err := c.getJSON(ctx, target, &resp); err != nil {
			return nil, err
		}
	} else {
		req := struct {
			Queries []NamedQuery `json:"queries"`
		}{Queries: queries}

		if err := c.postJSON(ctx, endpoint, req, &resp); err != nil {
			return nil, err
		}
	}

	if decrypt {
		for i := range resp.Results {
			c.decryptSearchResults(resp.Results[i].SearchResults)
		}
	}

	return &resp, nil
}

// batchQueryValues flattens query params and result options into the
// GET form. Both transports must yield identical server-side queries.
func batchQueryValues(params FileQueryParams, opts QueryBatchResultOptions) url.Values {
	values := url.Values{}
	values.Set("alias", params.TargetDrive.Alias)
	values.Set("type", params.TargetDrive.Type)

	addInts := func(key string, ints []int) {
		for _, v := range ints {
			values.Add(key, strconv.Itoa(v))
		}
	}
	addStrings := func(key string, strs []string) {
		for _, v := range strs {
			values.Add(key, v)
		}
	}

	addInts("fileType", params.FileType)
	addInts("dataType", params.DataType)
	addInts("fileState", params.FileState)
	addInts("archivalStatus", params.ArchivalStatus)
	addStrings("sender", params.Sender)
	addStrings("groupId", params.GroupID)
	addStrings("tagsMatchAtLeastOne", params.TagsMatchAtLeastOne)
	addStrings("clientUniqueIdAtLeastOne", params.ClientUniqueIDAtLeastOne)
	addStrings("globalTransitId", params.GlobalTransitID)

	if params.UserDate != nil {
		values.Set("userDateStart", strconv.FormatInt(params.UserDate.Start, 10))
		values.Set("userDateEnd", strconv.FormatInt(params.UserDate.End, 10))
	}

	if opts.MaxRecords > 0 {
		values.Set("maxRecords", strconv.Itoa(opts.MaxRecords))
	}
	if opts.CursorState != "" {
		values.Set("cursorState", string(opts.CursorState))
	}
	values.Set("includeMetadataHeader", strconv.FormatBool(opts.IncludeMetadataHeader))
	if opts.Ordering != "" {
		values.Set("ordering", opts.Ordering)
	}
	if opts.Sorting != "" {
		values.Set("sorting", opts.Sorting)
	}

	return values
}

// decryptSearchResults runs the per-row decryption pass. A failure on
// one row degrades that row's content to empty and moves on; the rest
// of the page is unaffected.
func (c *Client) decryptSearchResults(headers []FileHeader) {
	for i := range headers {
		if err := c.decryptHeaderContent(&headers[i]); err != nil {
			c.logger.Warn("failed to decrypt search result content",
				slog.String("fileId", headers[i].FileID),
				slog.String("error", err.Error()),
			)

			headers[i].FileMetadata.AppData.Content = ""
		}
	}
}

// decryptHeaderContent decrypts one row's content field in place.
func (c *Client) decryptHeaderContent(header *FileHeader) error {
	if !header.FileMetadata.IsEncrypted {
		return nil
	}

	content := header.FileMetadata.AppData.Content
	if content == "" {
		return nil
	}

	kh, err := DecryptKeyHeader(EncryptedHeader(&header.SharedSecretEncryptedKeyHeader), c.sharedSecret)
	if err != nil {
		return err
	}

	raw, err := decodeFlexibleBase64(content)
	if err != nil {
		return &DecodeError{Reason: "content is not valid base64", Err: err}
	}

	plain, err := DecryptBlock(raw, kh.AESKey, kh.IV)
	if err != nil {
		return err
	}

	decoded, err := sanitizeJSONContent(plain)
	if err != nil {
		return err
	}

	header.FileMetadata.AppData.Content = decoded
	header.FileMetadata.IsEncrypted = false

	return nil
}

// sanitizeJSONContent validates decrypted content as JSON, attempting
// one sanitize-and-reparse pass (stray control bytes from truncated
// transfers) before giving up.
func sanitizeJSONContent(plain []byte) (string, error) {
	s := string(plain)
	if gjson.Valid(s) {
		return s, nil
	}

	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}

		return r
	}, strings.TrimRight(s, "\x00"))

	if gjson.Valid(cleaned) {
		return cleaned, nil
	}

	return "", &DecodeError{Reason: "decrypted content is not valid JSON"}
}
