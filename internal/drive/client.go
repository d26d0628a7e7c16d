package drive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxAPIResponseBytes caps JSON response body reads so a misbehaving
	// server cannot consume unbounded memory. Payload bytes are streamed
	// separately and are not subject to this cap.
	maxAPIResponseBytes = 16 * 1024 * 1024

	// sharedSecretLen is the AES key length of the connection shared
	// secret used to wrap key headers and descriptors.
	sharedSecretLen = 16
)

// ErrNotFound marks a 404. The public fetch methods resolve it to a nil
// result rather than returning it; it surfaces only from internal
// helpers.
var ErrNotFound = errors.New("not found")

// versionConflictCode is the errorCode the server reports on an
// optimistic-concurrency mismatch.
const versionConflictCode = "versionTagMismatch"

// apiErrorBody is the JSON error envelope servers attach to 4xx bodies.
type apiErrorBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// Client talks to one identity's drive API over the connection's shared
// secret. All wire crypto (key headers, descriptors, payload content)
// derives from that secret; the Client itself holds no per-file keys.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	sharedSecret []byte
	logger       *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so auth headers cannot leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a drive API client. baseURL is the identity's API
// root (scheme, host, and path prefix). If httpClient is nil a default
// with the same-host redirect policy is used; timeouts are left to the
// caller's context since payload transfers can be long-lived.
func NewClient(baseURL string, sharedSecret []byte, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if len(sharedSecret) != sharedSecretLen {
		return nil, &CryptoError{Reason: fmt.Sprintf("shared secret must be %d bytes, got %d", sharedSecretLen, len(sharedSecret))}
	}

	if httpClient == nil {
		httpClient = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		sharedSecret: sharedSecret,
		logger:       logger,
	}, nil
}

// SharedSecret exposes the connection secret for the codec helpers.
// Callers must not mutate the returned slice.
func (c *Client) SharedSecret() []byte { return c.sharedSecret }

// DeriveSharedSecret expands the exchanged session secret into the
// 16-byte connection shared secret via HKDF-SHA256.
func DeriveSharedSecret(exchanged []byte) ([]byte, error) {
	return hkdfExpand(exchanged, []byte("drive-shared-secret"), sharedSecretLen)
}

// DeriveNotifyAuthKey expands the same session material into the key
// that authenticates the live notification socket.
func DeriveNotifyAuthKey(exchanged []byte) ([]byte, error) {
	return hkdfExpand(exchanged, []byte("drive-notify-auth"), sharedSecretLen)
}

// hkdfExpand derives keyLen bytes with HKDF-SHA256 from the given IKM
// and info label.
func hkdfExpand(ikm, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, &CryptoError{Reason: "deriving key", Err: err}
	}

	return out, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do executes a prepared request and decodes a JSON result. Error
// mapping: 404 becomes ErrNotFound, a versionTagMismatch errorCode
// becomes VersionConflictError, anything else non-2xx is a
// TransportError logged with endpoint context.
func (c *Client) do(req *http.Request, endpoint string, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: fmt.Errorf("reading response: %w", err)}
	}

	if err := c.checkStatus(resp.StatusCode, endpoint, body); err != nil {
		return err
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return &DecodeError{Reason: "decoding response from " + endpoint, Err: err}
		}
	}

	return nil
}

// checkStatus maps a non-2xx response into the error taxonomy.
func (c *Client) checkStatus(status int, endpoint string, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	if status == http.StatusNotFound {
		return ErrNotFound
	}

	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) == nil && apiErr.ErrorCode == versionConflictCode {
		return &VersionConflictError{}
	}

	sanitized := sanitizeResponseBody(body)
	c.logger.Error("request failed",
		slog.String("endpoint", endpoint),
		slog.Int("status", status),
		slog.String("body", sanitized),
	)

	return &TransportError{Endpoint: endpoint, StatusCode: status, Body: sanitized}
}

// postJSON sends a JSON POST and decodes the response into result.
func (c *Client) postJSON(ctx context.Context, endpoint string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(req, endpoint, result)
}

// getJSON sends a GET for the given endpoint (including any encoded
// query string) and decodes the response into result.
func (c *Client) getJSON(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return c.do(req, endpoint, result)
}

// patchJSON sends a JSON PATCH, used by the update surface.
func (c *Client) patchJSON(ctx context.Context, endpoint string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(req, endpoint, result)
}
