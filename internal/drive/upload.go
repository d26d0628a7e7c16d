package drive

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// Multipart part names of the upload/update wire format.
const (
	partInstructions = "instructions"
	partMetadata     = "metadata"
	partPayload      = "payload"
	partThumbnail    = "thumbnail"
)

// uploadDescriptor is the "metadata" part of an upload: the encrypted
// key-header envelope plus the file metadata. For encrypted uploads the
// whole descriptor is additionally shared-secret encrypted under the
// request's transfer IV before it goes on the wire.
type uploadDescriptor struct {
	EncryptedKeyHeader *EncryptedKeyHeader `json:"encryptedKeyHeader,omitempty"`
	FileMetadata       UploadFileMetadata  `json:"fileMetadata"`
}

// RetryUpload carries the fresh request an OnVersionConflict handler
// assembled after observing the server's current state.
type RetryUpload struct {
	Instructions UploadInstructionSet
	Metadata     UploadFileMetadata
	Payloads     []UploadPayload
	Thumbnails   []UploadThumbnail
}

// UploadOptions tunes one upload/update call.
type UploadOptions struct {
	// Encrypt wraps content, payloads, and thumbnails with a per-file
	// KeyHeader. This is the normal mode; plaintext uploads are for
	// public, unprotected drives only.
	Encrypt bool

	// KeyHeader supplies existing key material instead of generating a
	// fresh pair. Updates of an encrypted file must pass the file's
	// current header so content remains readable under one key.
	KeyHeader *KeyHeader

	// OnVersionConflict is invoked when the server rejects the write
	// with a versionTag mismatch. The handler supplies fresh request
	// data and the call is retried exactly once. Without a handler the
	// conflict surfaces as a VersionConflictError.
	OnVersionConflict func(ctx context.Context) (*RetryUpload, error)
}

// filePart is one part of the multipart body.
type filePart struct {
	name        string
	filename    string
	contentType string
	data        []byte
}

// Upload stores a new file (or overwrites one addressed by
// storageOptions.overwriteFileId) as a single atomic multipart call:
// the plaintext instruction blob, the (optionally shared-secret
// encrypted) descriptor, one part per payload, one part per thumbnail.
// On success the returned UploadResult carries the plaintext KeyHeader
// used so callers can mutate their local copy without a round-trip
// decrypt.
func (c *Client) Upload(ctx context.Context, instructions UploadInstructionSet, metadata UploadFileMetadata, payloads []UploadPayload, thumbnails []UploadThumbnail, opts UploadOptions) (*UploadResult, error) {
	if instructions.StorageOptions.OverwriteFileID == "" && metadata.VersionTag != "" {
		// uniqueId-based addressing is not supported for updates; the
		// server would store a second file instead of overwriting.
		c.logger.Warn("versionTag set without overwriteFileId; the upload will create a new file",
			slog.String("drive", instructions.StorageOptions.Drive.String()),
		)
	}

	result, err := c.submitUpload(ctx, http.MethodPost, "/drive/files/upload", instructions, metadata, payloads, thumbnails, opts, false)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Update rewrites an existing file's metadata and payload set via PATCH.
// The transfer IV and the KeyHeader's IV are re-randomized on every
// call: each update may change payload boundaries, and reusing an IV
// under CBC would leak structure of the new content. The key itself is
// never rotated here.
func (c *Client) Update(ctx context.Context, instructions UploadInstructionSet, metadata UploadFileMetadata, payloads []UploadPayload, thumbnails []UploadThumbnail, opts UploadOptions) (*UploadResult, error) {
	if instructions.StorageOptions.OverwriteFileID == "" {
		return nil, fmt.Errorf("update requires storageOptions.overwriteFileId")
	}

	if opts.Encrypt && opts.KeyHeader == nil {
		return nil, &CryptoError{Reason: "update of an encrypted file requires its key header"}
	}

	return c.submitUpload(ctx, http.MethodPatch, "/drive/files/update", instructions, metadata, payloads, thumbnails, opts, true)
}

// AppendInstructionSet is the instruction part of an append-payload call.
type AppendInstructionSet struct {
	TargetFile FileIdentifier `json:"targetFile"`
	VersionTag string         `json:"versionTag"`
	Manifest   UploadManifest `json:"manifest"`
}

// AppendPayloads adds or overwrites payloads on an existing file
// without touching its metadata. The file's KeyHeader must be supplied
// when the file is encrypted; each appended payload still gets its own
// fresh IV from the manifest.
func (c *Client) AppendPayloads(ctx context.Context, target FileIdentifier, versionTag string, payloads []UploadPayload, thumbnails []UploadThumbnail, opts UploadOptions) (*UploadResult, error) {
	if opts.Encrypt && opts.KeyHeader == nil {
		return nil, &CryptoError{Reason: "appending to an encrypted file requires its key header"}
	}

	manifest, err := BuildManifest(payloads, thumbnails, opts.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("building manifest: %w", err)
	}

	instructions := AppendInstructionSet{
		TargetFile: target,
		VersionTag: versionTag,
		Manifest:   manifest,
	}

	instructionBytes, err := json.Marshal(instructions)
	if err != nil {
		return nil, fmt.Errorf("marshalling instructions: %w", err)
	}

	parts := []filePart{{name: partInstructions, contentType: "application/json", data: instructionBytes}}

	parts, err = appendContentParts(parts, manifest, payloads, thumbnails, opts)
	if err != nil {
		return nil, err
	}

	var result UploadResult
	if err := c.postMultipart(ctx, http.MethodPost, "/drive/files/uploadpayload", parts, &result); err != nil {
		if IsVersionConflict(err) && opts.OnVersionConflict != nil {
			return nil, fmt.Errorf("append conflict requires a fresh versionTag from the caller: %w", err)
		}

		return nil, err
	}

	result.KeyHeader = opts.KeyHeader

	return &result, nil
}

// submitUpload assembles and executes one upload/update request,
// handling the conflict-retry path.
func (c *Client) submitUpload(ctx context.Context, method, endpoint string, instructions UploadInstructionSet, metadata UploadFileMetadata, payloads []UploadPayload, thumbnails []UploadThumbnail, opts UploadOptions, rotateIV bool) (*UploadResult, error) {
	kh := opts.KeyHeader

	if opts.Encrypt {
		var err error

		switch {
		case kh == nil:
			kh, err = RandomKeyHeader()
		case rotateIV:
			var iv []byte
			iv, err = RandomIV()
			if err == nil {
				kh = kh.WithIV(iv)
			}
		}

		if err != nil {
			return nil, fmt.Errorf("preparing key material: %w", err)
		}
	}

	transferIV, err := RandomIV()
	if err != nil {
		return nil, fmt.Errorf("generating transfer IV: %w", err)
	}
	instructions.TransferIV = transferIV

	manifest, err := BuildManifest(payloads, thumbnails, opts.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("building manifest: %w", err)
	}
	if len(instructions.Manifest.PayloadDescriptors) > 0 {
		// An update caller may have built the manifest itself to carry
		// delete-payload operations; keep it but refuse silent drift.
		manifest = instructions.Manifest
	}
	instructions.Manifest = manifest

	parts, err := c.buildParts(instructions, metadata, manifest, payloads, thumbnails, kh, opts)
	if err != nil {
		return nil, err
	}

	var result UploadResult
	if err := c.postMultipart(ctx, method, endpoint, parts, &result); err != nil {
		if IsVersionConflict(err) && opts.OnVersionConflict != nil {
			return c.retryConflict(ctx, method, endpoint, opts, rotateIV)
		}

		return nil, err
	}

	result.KeyHeader = kh

	return &result, nil
}

// retryConflict runs the caller's conflict handler and retries the
// request exactly once, with the handler removed so a second conflict
// surfaces as an error.
func (c *Client) retryConflict(ctx context.Context, method, endpoint string, opts UploadOptions, rotateIV bool) (*UploadResult, error) {
	fresh, err := opts.OnVersionConflict(ctx)
	if err != nil {
		return nil, fmt.Errorf("version conflict handler: %w", err)
	}

	if fresh == nil {
		return nil, &VersionConflictError{}
	}

	retryOpts := opts
	retryOpts.OnVersionConflict = nil

	return c.submitUpload(ctx, method, endpoint, fresh.Instructions, fresh.Metadata, fresh.Payloads, fresh.Thumbnails, retryOpts, rotateIV)
}

// buildParts produces the full multipart part list for an upload/update.
func (c *Client) buildParts(instructions UploadInstructionSet, metadata UploadFileMetadata, manifest UploadManifest, payloads []UploadPayload, thumbnails []UploadThumbnail, kh *KeyHeader, opts UploadOptions) ([]filePart, error) {
	if opts.Encrypt {
		encContent, err := encryptContentToBase64(metadata.AppData.Content, kh)
		if err != nil {
			return nil, err
		}

		metadata.AppData.Content = encContent
		metadata.IsEncrypted = true
	}

	descriptor := uploadDescriptor{FileMetadata: metadata}

	if opts.Encrypt {
		ekh, err := EncryptKeyHeader(kh, instructions.TransferIV, c.sharedSecret)
		if err != nil {
			return nil, err
		}

		descriptor.EncryptedKeyHeader = ekh
	}

	descriptorBytes, err := json.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("marshalling descriptor: %w", err)
	}

	if opts.Encrypt {
		descriptorBytes, err = EncryptBlock(descriptorBytes, c.sharedSecret, instructions.TransferIV)
		if err != nil {
			return nil, fmt.Errorf("encrypting descriptor: %w", err)
		}
	}

	instructionBytes, err := json.Marshal(instructions)
	if err != nil {
		return nil, fmt.Errorf("marshalling instructions: %w", err)
	}

	parts := []filePart{
		{name: partInstructions, contentType: "application/json", data: instructionBytes},
		{name: partMetadata, contentType: "application/octet-stream", data: descriptorBytes},
	}

	khForParts := kh
	if !opts.Encrypt {
		khForParts = nil
	}

	partOpts := opts
	partOpts.KeyHeader = khForParts

	return appendContentParts(parts, manifest, payloads, thumbnails, partOpts)
}

// appendContentParts adds the payload and thumbnail parts, encrypting
// each with the file key under the payload-specific IV recorded in the
// manifest. A thumbnail shares its parent payload's IV.
func appendContentParts(parts []filePart, manifest UploadManifest, payloads []UploadPayload, thumbnails []UploadThumbnail, opts UploadOptions) ([]filePart, error) {
	ivByKey := make(map[string][]byte, len(manifest.PayloadDescriptors))
	for _, d := range manifest.PayloadDescriptors {
		if d.PayloadUpdateOperationType != PayloadDelete {
			ivByKey[d.PayloadKey] = d.IV
		}
	}

	for _, p := range payloads {
		data := p.Content

		if opts.Encrypt {
			iv, ok := ivByKey[p.Key]
			if !ok {
				return nil, &CryptoError{Reason: fmt.Sprintf("payload %q missing manifest IV", p.Key)}
			}

			ct, err := EncryptBlock(data, opts.KeyHeader.AESKey, iv)
			if err != nil {
				return nil, fmt.Errorf("encrypting payload %q: %w", p.Key, err)
			}

			data = ct
		}

		parts = append(parts, filePart{
			name:        partPayload,
			filename:    p.Key,
			contentType: "application/octet-stream",
			data:        data,
		})
	}

	for _, t := range thumbnails {
		data := t.Content

		if opts.Encrypt {
			iv, ok := ivByKey[t.PayloadKey]
			if !ok {
				return nil, &CryptoError{Reason: fmt.Sprintf("thumbnail parent payload %q missing manifest IV", t.PayloadKey)}
			}

			ct, err := EncryptBlock(data, opts.KeyHeader.AESKey, iv)
			if err != nil {
				return nil, fmt.Errorf("encrypting thumbnail for %q: %w", t.PayloadKey, err)
			}

			data = ct
		}

		parts = append(parts, filePart{
			name:        partThumbnail,
			filename:    thumbnailKey(t.PayloadKey, t.PixelWidth, t.PixelHeight),
			contentType: "application/octet-stream",
			data:        data,
		})
	}

	return parts, nil
}

// encryptContentToBase64 encrypts the logical JSON content with the
// file key header and encodes it for the descriptor.
func encryptContentToBase64(content string, kh *KeyHeader) (string, error) {
	if content == "" {
		return "", nil
	}

	ct, err := EncryptBlock([]byte(content), kh.AESKey, kh.IV)
	if err != nil {
		return "", fmt.Errorf("encrypting content: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ct), nil
}

// postMultipart assembles and submits a multipart request.
func (c *Client) postMultipart(ctx context.Context, method, endpoint string, parts []filePart, result interface{}) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for _, p := range parts {
		header := textproto.MIMEHeader{}

		disposition := fmt.Sprintf(`form-data; name=%q`, p.name)
		if p.filename != "" {
			disposition = fmt.Sprintf(`form-data; name=%q; filename=%q`, p.name, p.filename)
		}

		header.Set("Content-Disposition", disposition)
		if p.contentType != "" {
			header.Set("Content-Type", p.contentType)
		}

		w, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("creating part %s: %w", p.name, err)
		}

		if _, err := w.Write(p.data); err != nil {
			return fmt.Errorf("writing part %s: %w", p.name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, &body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(req, endpoint, result)
}

// decodeFlexibleBase64 accepts standard and URL-safe base64; some
// servers emit the URL-safe alphabet in response headers.
func decodeFlexibleBase64(s string) ([]byte, error) {
	if strings.ContainsAny(s, "-_") {
		return base64.URLEncoding.DecodeString(s)
	}

	return base64.StdEncoding.DecodeString(s)
}
