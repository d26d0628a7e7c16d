package drive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildManifest_PerPayloadIVs(t *testing.T) {
	payloads := []UploadPayload{
		{Key: "pl_1", ContentType: "image/jpeg", Content: []byte("a")},
		{Key: "pl_2", ContentType: "image/png", Content: []byte("b")},
	}

	manifest, err := BuildManifest(payloads, nil, true)
	require.NoError(t, err)
	require.Len(t, manifest.PayloadDescriptors, 2)

	d1, d2 := manifest.PayloadDescriptors[0], manifest.PayloadDescriptors[1]
	assert.Len(t, d1.IV, 16)
	assert.Len(t, d2.IV, 16)
	assert.NotEqual(t, d1.IV, d2.IV, "each payload needs its own IV")
}

func TestBuildManifest_PlaintextUploadHasNoIVs(t *testing.T) {
	manifest, err := BuildManifest([]UploadPayload{{Key: "pl_1"}}, nil, false)
	require.NoError(t, err)
	assert.Nil(t, manifest.PayloadDescriptors[0].IV)
}

func TestBuildManifest_MatchesThumbnailsToPayload(t *testing.T) {
	payloads := []UploadPayload{
		{Key: "pl_1", ContentType: "image/jpeg"},
		{Key: "pl_2", ContentType: "image/jpeg"},
	}
	thumbnails := []UploadThumbnail{
		{PayloadKey: "pl_1", PixelWidth: 100, PixelHeight: 100, ContentType: "image/webp"},
		{PayloadKey: "pl_1", PixelWidth: 400, PixelHeight: 300, ContentType: "image/webp"},
		{PayloadKey: "pl_2", PixelWidth: 100, PixelHeight: 100, ContentType: "image/webp"},
	}

	manifest, err := BuildManifest(payloads, thumbnails, false)
	require.NoError(t, err)

	require.Len(t, manifest.PayloadDescriptors[0].Thumbnails, 2)
	assert.Equal(t, "pl_1_100x100", manifest.PayloadDescriptors[0].Thumbnails[0].ThumbnailKey)
	assert.Equal(t, "pl_1_400x300", manifest.PayloadDescriptors[0].Thumbnails[1].ThumbnailKey)

	require.Len(t, manifest.PayloadDescriptors[1].Thumbnails, 1)
	assert.Equal(t, "pl_2_100x100", manifest.PayloadDescriptors[1].Thumbnails[0].ThumbnailKey)
}

func TestBuildManifest_RejectsDuplicateKeys(t *testing.T) {
	_, err := BuildManifest([]UploadPayload{{Key: "pl_1"}, {Key: "pl_1"}}, nil, false)
	require.Error(t, err)
}

func TestBuildManifest_RejectsEmptyKey(t *testing.T) {
	_, err := BuildManifest([]UploadPayload{{Key: ""}}, nil, false)
	require.Error(t, err)
}

func TestBuildManifest_RejectsOrphanThumbnail(t *testing.T) {
	thumbnails := []UploadThumbnail{
		{PayloadKey: "missing", PixelWidth: 10, PixelHeight: 10},
	}

	_, err := BuildManifest([]UploadPayload{{Key: "pl_1"}}, thumbnails, false)
	require.Error(t, err)
}

func TestBuildUpdateManifest_TagsOperations(t *testing.T) {
	payloads := []UploadPayload{{Key: "pl_1"}}

	manifest, err := BuildUpdateManifest(payloads, nil, []string{"pl_old"}, false)
	require.NoError(t, err)
	require.Len(t, manifest.PayloadDescriptors, 2)

	assert.Equal(t, PayloadAppendOrOverwrite, manifest.PayloadDescriptors[0].PayloadUpdateOperationType)
	assert.Equal(t, "pl_1", manifest.PayloadDescriptors[0].PayloadKey)

	assert.Equal(t, PayloadDelete, manifest.PayloadDescriptors[1].PayloadUpdateOperationType)
	assert.Equal(t, "pl_old", manifest.PayloadDescriptors[1].PayloadKey)
}

func TestBuildUpdateManifest_RejectsKeyOnBothSides(t *testing.T) {
	_, err := BuildUpdateManifest([]UploadPayload{{Key: "pl_1"}}, nil, []string{"pl_1"}, false)
	require.Error(t, err)
}
