package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Response headers of interest on payload and thumb fetches.
const (
	headerPayloadEncrypted     = "payloadencrypted"
	headerEncryptedKeyHeader64 = "sharedsecretencryptedheader64"
	headerDecryptedContentType = "decryptedcontenttype"
)

// keyHeaderCacheSize bounds the memoized key-header decryptions. An
// entry is small (32 bytes of key material) so the bound is generous.
const keyHeaderCacheSize = 256

// addressMode maps one of the three file addressing schemes onto its
// endpoints and id query parameter. All three share one underlying
// contract: header, payload, thumb.
type addressMode struct {
	idParam string
	header  string
	payload string
	thumb   string
}

var (
	byFileID = addressMode{
		idParam: "fileId",
		header:  "/drive/files/header",
		payload: "/drive/files/payload",
		thumb:   "/drive/files/thumb",
	}
	byUniqueID = addressMode{
		idParam: "uniqueId",
		header:  "/drive/query/specialized/cuid/header",
		payload: "/drive/query/specialized/cuid/payload",
		thumb:   "/drive/query/specialized/cuid/thumb",
	}
	byGlobalTransitID = addressMode{
		idParam: "globalTransitId",
		header:  "/drive/files/header_byglobaltransitid",
		payload: "/drive/files/payload_byglobaltransitid",
		thumb:   "/drive/files/thumb_byglobaltransitid",
	}
)

// Chunk is a half-open [Start, End) byte range of a payload's plaintext.
type Chunk struct {
	Start int64
	End   int64
}

// PayloadResponse is the outcome of a payload or thumb fetch.
type PayloadResponse struct {
	Bytes       []byte
	ContentType string
}

// FileFetcher fetches file headers, payloads, and thumbnails by any of
// the three addressing modes. Concurrent fetches of the same resource
// are coalesced through an in-flight group whose entries clear as soon
// as the shared request settles, so no result outlives one request.
// Decrypted key headers are memoized keyed by their wire ciphertext,
// which makes the cache trivially consistent: a new versionTag arrives
// as new ciphertext and misses.
type FileFetcher struct {
	client  *Client
	flight  singleflight.Group
	headers *lru.Cache[string, *KeyHeader]
}

// NewFileFetcher wraps a client with the fetch surface.
func NewFileFetcher(c *Client) (*FileFetcher, error) {
	cache, err := lru.New[string, *KeyHeader](keyHeaderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating key header cache: %w", err)
	}

	return &FileFetcher{client: c, headers: cache}, nil
}

// GetFileHeader fetches a file header by fileId. Returns (nil, nil)
// when the file does not exist. When decrypt is set, encrypted content
// is decrypted in place.
func (f *FileFetcher) GetFileHeader(ctx context.Context, drive TargetDrive, fileID string, decrypt bool) (*FileHeader, error) {
	return f.fetchHeader(ctx, byFileID, drive, fileID, decrypt)
}

// GetFileHeaderByUniqueID fetches a file header by its clientUniqueId.
func (f *FileFetcher) GetFileHeaderByUniqueID(ctx context.Context, drive TargetDrive, uniqueID string, decrypt bool) (*FileHeader, error) {
	return f.fetchHeader(ctx, byUniqueID, drive, uniqueID, decrypt)
}

// GetFileHeaderByGlobalTransitID fetches a file header by the
// delivery-stable id shared across recipients.
func (f *FileFetcher) GetFileHeaderByGlobalTransitID(ctx context.Context, drive TargetDrive, globalTransitID string, decrypt bool) (*FileHeader, error) {
	return f.fetchHeader(ctx, byGlobalTransitID, drive, globalTransitID, decrypt)
}

func (f *FileFetcher) fetchHeader(ctx context.Context, mode addressMode, drive TargetDrive, id string, decrypt bool) (*FileHeader, error) {
	key := fmt.Sprintf("%s:%s:%s:%t", drive.String(), mode.idParam, normalizeGUID(id), decrypt)

	result, err, _ := f.flight.Do(key, func() (interface{}, error) {
		values := url.Values{}
		values.Set("alias", drive.Alias)
		values.Set("type", drive.Type)
		values.Set(mode.idParam, id)

		var header FileHeader
		if err := f.client.getJSON(ctx, mode.header+"?"+values.Encode(), &header); err != nil {
			return nil, err
		}

		if decrypt {
			if err := f.client.decryptHeaderContent(&header); err != nil {
				return nil, err
			}
		}

		return &header, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return result.(*FileHeader), nil
}

// GetPayloadBytes fetches one payload of a file, optionally a byte
// range of it, optionally decrypted. The requested range is widened to
// CBC block boundaries for the wire fetch and the exact bytes are
// sliced back out after decryption. Returns (nil, nil) on 404.
func (f *FileFetcher) GetPayloadBytes(ctx context.Context, drive TargetDrive, fileID, payloadKey string, chunk *Chunk, decrypt bool) (*PayloadResponse, error) {
	return f.fetchPayload(ctx, byFileID, drive, fileID, payloadKey, chunk, decrypt)
}

// GetPayloadBytesByUniqueID is GetPayloadBytes addressed by clientUniqueId.
func (f *FileFetcher) GetPayloadBytesByUniqueID(ctx context.Context, drive TargetDrive, uniqueID, payloadKey string, chunk *Chunk, decrypt bool) (*PayloadResponse, error) {
	return f.fetchPayload(ctx, byUniqueID, drive, uniqueID, payloadKey, chunk, decrypt)
}

// GetPayloadBytesByGlobalTransitID is GetPayloadBytes addressed by
// globalTransitId.
func (f *FileFetcher) GetPayloadBytesByGlobalTransitID(ctx context.Context, drive TargetDrive, globalTransitID, payloadKey string, chunk *Chunk, decrypt bool) (*PayloadResponse, error) {
	return f.fetchPayload(ctx, byGlobalTransitID, drive, globalTransitID, payloadKey, chunk, decrypt)
}

func (f *FileFetcher) fetchPayload(ctx context.Context, mode addressMode, drive TargetDrive, id, payloadKey string, chunk *Chunk, decrypt bool) (*PayloadResponse, error) {
	key := fmt.Sprintf("%s:%s:%s:%s:%t", drive.String(), mode.idParam, normalizeGUID(id), payloadKey, decrypt)
	if chunk != nil {
		key += fmt.Sprintf(":%d-%d", chunk.Start, chunk.End)
	}

	result, err, _ := f.flight.Do(key, func() (interface{}, error) {
		values := url.Values{}
		values.Set("alias", drive.Alias)
		values.Set("type", drive.Type)
		values.Set(mode.idParam, id)
		values.Set("key", payloadKey)

		var fetchStart, fetchEnd int64
		var rangeHeader string

		if chunk != nil {
			fetchStart, fetchEnd = WidenRange(chunk.Start, chunk.End)
			rangeHeader = fmt.Sprintf("bytes=%d-%d", fetchStart, fetchEnd-1)
		}

		body, respHeader, err := f.client.getRaw(ctx, mode.payload+"?"+values.Encode(), rangeHeader)
		if err != nil {
			return nil, err
		}

		return f.decodeContent(body, respHeader, chunk, fetchStart, decrypt)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return result.(*PayloadResponse), nil
}

// GetThumbBytes fetches one thumbnail of a payload, optionally
// decrypted. Returns (nil, nil) on 404.
func (f *FileFetcher) GetThumbBytes(ctx context.Context, drive TargetDrive, fileID, payloadKey string, width, height int, decrypt bool) (*PayloadResponse, error) {
	return f.fetchThumb(ctx, byFileID, drive, fileID, payloadKey, width, height, decrypt)
}

// GetThumbBytesByGlobalTransitID is GetThumbBytes addressed by
// globalTransitId.
func (f *FileFetcher) GetThumbBytesByGlobalTransitID(ctx context.Context, drive TargetDrive, globalTransitID, payloadKey string, width, height int, decrypt bool) (*PayloadResponse, error) {
	return f.fetchThumb(ctx, byGlobalTransitID, drive, globalTransitID, payloadKey, width, height, decrypt)
}

func (f *FileFetcher) fetchThumb(ctx context.Context, mode addressMode, drive TargetDrive, id, payloadKey string, width, height int, decrypt bool) (*PayloadResponse, error) {
	key := fmt.Sprintf("%s:%s:%s:%s:%dx%d:%t", drive.String(), mode.idParam, normalizeGUID(id), payloadKey, width, height, decrypt)

	result, err, _ := f.flight.Do(key, func() (interface{}, error) {
		values := url.Values{}
		values.Set("alias", drive.Alias)
		values.Set("type", drive.Type)
		values.Set(mode.idParam, id)
		values.Set("payloadKey", payloadKey)
		values.Set("width", strconv.Itoa(width))
		values.Set("height", strconv.Itoa(height))

		body, respHeader, err := f.client.getRaw(ctx, mode.thumb+"?"+values.Encode(), "")
		if err != nil {
			return nil, err
		}

		return f.decodeContent(body, respHeader, nil, 0, decrypt)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return result.(*PayloadResponse), nil
}

// decodeContent applies the response-header crypto contract shared by
// payload and thumb fetches: payloadencrypted marks ciphertext, and
// sharedsecretencryptedheader64 carries the key header whose decrypted
// IV is specific to this payload.
func (f *FileFetcher) decodeContent(body []byte, respHeader http.Header, chunk *Chunk, fetchStart int64, decrypt bool) (*PayloadResponse, error) {
	encrypted := respHeader.Get(headerPayloadEncrypted) == "True"
	contentType := respHeader.Get("Content-Type")

	if ct := respHeader.Get(headerDecryptedContentType); ct != "" {
		contentType = ct
	}

	if !decrypt || !encrypted {
		if chunk != nil {
			// The wire fetch was widened to block boundaries; hand back
			// only the bytes the caller asked for.
			body = sliceFetchWindow(body, fetchStart, chunk.Start, chunk.End)
		}

		return &PayloadResponse{Bytes: body, ContentType: contentType}, nil
	}

	header64 := respHeader.Get(headerEncryptedKeyHeader64)
	if header64 == "" {
		return nil, &CryptoError{Reason: "payload marked encrypted but no key header supplied"}
	}

	kh, err := f.decryptWireKeyHeader(header64)
	if err != nil {
		return nil, err
	}

	if chunk != nil {
		plain, err := DecryptRange(body, kh, fetchStart, chunk.Start, chunk.End)
		if err != nil {
			return nil, err
		}

		return &PayloadResponse{Bytes: plain, ContentType: contentType}, nil
	}

	plain, err := DecryptBlock(body, kh.AESKey, kh.IV)
	if err != nil {
		return nil, err
	}

	return &PayloadResponse{Bytes: plain, ContentType: contentType}, nil
}

// sliceFetchWindow cuts the requested [start, end) out of a fetch
// window beginning at fetchStart, clamping to the bytes the server
// actually returned.
func sliceFetchWindow(body []byte, fetchStart, start, end int64) []byte {
	n := int64(len(body))
	lo := min(max(start-fetchStart, 0), n)
	hi := min(max(end-fetchStart, lo), n)

	return body[lo:hi]
}

// decryptWireKeyHeader decrypts a sharedsecretencryptedheader64 value,
// memoizing by the ciphertext itself.
func (f *FileFetcher) decryptWireKeyHeader(header64 string) (*KeyHeader, error) {
	if kh, ok := f.headers.Get(header64); ok {
		return kh, nil
	}

	ekh, err := SplitSharedSecretEncryptedKeyHeader(header64)
	if err != nil {
		return nil, err
	}

	kh, err := DecryptKeyHeader(EncryptedHeader(ekh), f.client.sharedSecret)
	if err != nil {
		return nil, err
	}

	f.headers.Add(header64, kh)

	return kh, nil
}

// getRaw executes a GET returning the raw body and response headers,
// with an optional Range header. Used for payload and thumb content,
// which is not JSON.
func (c *Client) getRaw(ctx context.Context, endpoint, rangeHeader string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("reading response: %w", err)}
	}

	if err := c.checkStatus(resp.StatusCode, endpoint, body); err != nil {
		return nil, nil, err
	}

	return body, resp.Header, nil
}
