package drive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptedRow builds a search result row whose content decrypts under
// the given shared secret.
func encryptedRow(t *testing.T, fileID, contentJSON string, secret []byte) FileHeader {
	t.Helper()

	kh, err := RandomKeyHeader()
	require.NoError(t, err)

	enc, err := EncryptKeyHeader(kh, testTransferIV(t), secret)
	require.NoError(t, err)

	ct, err := EncryptBlock([]byte(contentJSON), kh.AESKey, kh.IV)
	require.NoError(t, err)

	return FileHeader{
		FileID:                         fileID,
		SharedSecretEncryptedKeyHeader: *enc,
		FileMetadata: FileMetadata{
			IsEncrypted: true,
			AppData: AppFileMetaData{
				Content: base64.StdEncoding.EncodeToString(ct),
			},
		},
	}
}

func TestQueryBatch_GETCarriesCanonicalParams(t *testing.T) {
	var gotMethod string
	var gotQuery map[string][]string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(QueryBatchResponse{CursorState: "c1"})
	}))

	start, end := int64(1000), int64(2000)
	params := FileQueryParams{
		TargetDrive:   testDrive(),
		FileType:      []int{100, 101},
		UserDateStart: &start,
		UserDateEnd:   &end,
	}

	resp, err := c.QueryBatch(context.Background(), params, QueryBatchResultOptions{MaxRecords: 10}, false)
	require.NoError(t, err)
	assert.Equal(t, CursorState("c1"), resp.CursorState)

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, []string{"100", "101"}, gotQuery["fileType"])
	assert.Equal(t, []string{"0"}, gotQuery["fileState"], "fileState defaults to active only")
	assert.Equal(t, []string{"1000"}, gotQuery["userDateStart"], "discrete bounds fold into the canonical range")
	assert.Equal(t, []string{"2000"}, gotQuery["userDateEnd"])
	assert.Equal(t, []string{"10"}, gotQuery["maxRecords"])
}

func TestQueryBatch_LongQueryFallsBackToPOST(t *testing.T) {
	var gotMethod string
	var gotBody queryBatchRequest

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		}
		_ = json.NewEncoder(w).Encode(QueryBatchResponse{})
	}))

	// Enough groupIds to push the encoded query string past the URL
	// threshold.
	groupIDs := make([]string, 60)
	for i := range groupIDs {
		groupIDs[i] = fmt.Sprintf("c0ffee00-0000-0000-0000-%012d", i)
	}

	params := FileQueryParams{TargetDrive: testDrive(), GroupID: groupIDs}

	_, err := c.QueryBatch(context.Background(), params, QueryBatchResultOptions{}, false)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, groupIDs, gotBody.QueryParams.GroupID)
	assert.Equal(t, []int{FileStateActive}, gotBody.QueryParams.FileState, "the POST body carries the same canonical params")
}

func TestQueryBatch_CursorPagesNeverRepeatRows(t *testing.T) {
	pages := map[string]QueryBatchResponse{
		"": {
			SearchResults: []FileHeader{{FileID: "f1"}, {FileID: "f2"}},
			CursorState:   "p2",
		},
		"p2": {
			SearchResults: []FileHeader{{FileID: "f3"}},
			CursorState:   "p3",
		},
		"p3": {},
	}

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := pages[r.URL.Query().Get("cursorState")]
		_ = json.NewEncoder(w).Encode(page)
	}))

	seen := map[string]bool{}

	var cursor CursorState
	for {
		resp, err := c.QueryBatch(context.Background(), FileQueryParams{TargetDrive: testDrive()}, QueryBatchResultOptions{CursorState: cursor}, false)
		require.NoError(t, err)

		if len(resp.SearchResults) == 0 {
			break
		}

		for _, row := range resp.SearchResults {
			assert.False(t, seen[row.FileID], "row %s delivered twice", row.FileID)
			seen[row.FileID] = true
		}

		cursor = resp.CursorState
	}

	assert.Len(t, seen, 3)
}

func TestQueryBatch_PerRowDecryptDegradation(t *testing.T) {
	secret := testSharedSecret()

	good := encryptedRow(t, "f-good", `{"text":"hi"}`, secret)

	bad := encryptedRow(t, "f-bad", `{"text":"broken"}`, secret)
	bad.FileMetadata.AppData.Content = "%%% not base64 %%%"

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(QueryBatchResponse{SearchResults: []FileHeader{good, bad}})
	}))

	resp, err := c.QueryBatch(context.Background(), FileQueryParams{TargetDrive: testDrive()}, QueryBatchResultOptions{}, true)
	require.NoError(t, err, "one bad row must not fail the page")
	require.Len(t, resp.SearchResults, 2)

	assert.JSONEq(t, `{"text":"hi"}`, resp.SearchResults[0].FileMetadata.AppData.Content)
	assert.False(t, resp.SearchResults[0].FileMetadata.IsEncrypted)

	assert.Empty(t, resp.SearchResults[1].FileMetadata.AppData.Content, "the failing row degrades to empty content")
	assert.Equal(t, "f-bad", resp.SearchResults[1].FileID, "the row itself survives")
}

func TestQueryModified_UsesModifiedCursor(t *testing.T) {
	var gotQuery map[string][]string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(QueryModifiedResponse{Cursor: "m2"})
	}))

	opts := QueryModifiedResultOptions{MaxRecords: 5, Cursor: "m1", IncludeHeaderContent: true}

	resp, err := c.QueryModified(context.Background(), FileQueryParams{TargetDrive: testDrive()}, opts, false)
	require.NoError(t, err)
	assert.Equal(t, CursorState("m2"), resp.Cursor)

	assert.Equal(t, []string{"m1"}, gotQuery["cursor"])
	assert.Equal(t, []string{"true"}, gotQuery["includeHeaderContent"])
	assert.Nil(t, gotQuery["includeMetadataHeader"], "batch-only option must not leak into the modified form")
}

func TestQueryBatchCollection_NamedResults(t *testing.T) {
	secret := testSharedSecret()
	row := encryptedRow(t, "f1", `{"kind":"conversation"}`, secret)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries := r.URL.Query()["queries"]
		require.Len(t, queries, 2)

		var first NamedQuery
		require.NoError(t, json.Unmarshal([]byte(queries[0]), &first))
		assert.Equal(t, "conversations", first.Name)
		assert.Equal(t, []int{FileStateActive}, first.QueryParams.FileState)

		_ = json.NewEncoder(w).Encode(QueryBatchCollectionResponse{
			Results: []NamedQueryResponse{
				{Name: "conversations", QueryBatchResponse: QueryBatchResponse{SearchResults: []FileHeader{row}}},
				{Name: "messages"},
			},
		})
	}))

	queries := []NamedQuery{
		{Name: "conversations", QueryParams: FileQueryParams{TargetDrive: testDrive(), FileType: []int{200}}},
		{Name: "messages", QueryParams: FileQueryParams{TargetDrive: testDrive(), FileType: []int{300}}},
	}

	resp, err := c.QueryBatchCollection(context.Background(), queries, true)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.JSONEq(t, `{"kind":"conversation"}`, resp.Results[0].SearchResults[0].FileMetadata.AppData.Content)
}

func TestSanitizeJSONContent(t *testing.T) {
	valid, err := sanitizeJSONContent([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, valid)

	// Stray control bytes and trailing NULs survive one sanitize pass.
	dirty := append([]byte(`{"a":`), 0x01)
	dirty = append(dirty, []byte(`1}`)...)
	dirty = append(dirty, 0x00, 0x00)

	cleaned, err := sanitizeJSONContent(dirty)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, cleaned)

	_, err = sanitizeJSONContent([]byte("not json at all"))
	require.Error(t, err)
}
