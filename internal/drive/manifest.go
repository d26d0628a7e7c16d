package drive

import (
	"fmt"
)

// thumbnailKey names a thumbnail part inside the multipart body. Parts
// are matched back to their payload by the payload key prefix.
func thumbnailKey(payloadKey string, width, height int) string {
	return fmt.Sprintf("%s_%dx%d", payloadKey, width, height)
}

// BuildManifest derives the upload manifest for a set of payloads: one
// descriptor per payload, each referencing its thumbnails by payload
// key. When encrypt is set, every payload gets a fresh random 16-byte
// IV of its own, never the file KeyHeader's IV: payloads are fetched
// and range-decrypted independently of each other.
func BuildManifest(payloads []UploadPayload, thumbnails []UploadThumbnail, encrypt bool) (UploadManifest, error) {
	seen := make(map[string]bool, len(payloads))

	descriptors := make([]UploadPayloadDescriptor, 0, len(payloads))

	for _, p := range payloads {
		if p.Key == "" {
			return UploadManifest{}, fmt.Errorf("payload with empty key")
		}

		if seen[p.Key] {
			return UploadManifest{}, fmt.Errorf("duplicate payload key %q", p.Key)
		}
		seen[p.Key] = true

		desc := UploadPayloadDescriptor{
			PayloadKey:  p.Key,
			ContentType: p.ContentType,
		}

		if encrypt {
			iv, err := RandomIV()
			if err != nil {
				return UploadManifest{}, fmt.Errorf("generating payload IV: %w", err)
			}

			desc.IV = iv
		}

		for _, t := range thumbnails {
			if t.PayloadKey != p.Key {
				continue
			}

			desc.Thumbnails = append(desc.Thumbnails, UploadThumbnailDescriptor{
				ThumbnailKey: thumbnailKey(t.PayloadKey, t.PixelWidth, t.PixelHeight),
				PixelWidth:   t.PixelWidth,
				PixelHeight:  t.PixelHeight,
				ContentType:  t.ContentType,
			})
		}

		descriptors = append(descriptors, desc)
	}

	for _, t := range thumbnails {
		if !seen[t.PayloadKey] {
			return UploadManifest{}, fmt.Errorf("thumbnail references unknown payload key %q", t.PayloadKey)
		}
	}

	return UploadManifest{PayloadDescriptors: descriptors}, nil
}

// BuildUpdateManifest derives the manifest for an update call: the
// given payloads become append-or-overwrite entries and every key in
// deleteKeys becomes a delete entry. A key cannot appear on both sides.
func BuildUpdateManifest(payloads []UploadPayload, thumbnails []UploadThumbnail, deleteKeys []string, encrypt bool) (UploadManifest, error) {
	manifest, err := BuildManifest(payloads, thumbnails, encrypt)
	if err != nil {
		return UploadManifest{}, err
	}

	for i := range manifest.PayloadDescriptors {
		manifest.PayloadDescriptors[i].PayloadUpdateOperationType = PayloadAppendOrOverwrite
	}

	present := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		present[p.Key] = true
	}

	for _, key := range deleteKeys {
		if present[key] {
			return UploadManifest{}, fmt.Errorf("payload key %q both written and deleted", key)
		}

		manifest.PayloadDescriptors = append(manifest.PayloadDescriptors, UploadPayloadDescriptor{
			PayloadKey:                 key,
			PayloadUpdateOperationType: PayloadDelete,
		})
	}

	return manifest, nil
}
