// Package drive implements the client side of the encrypted drive
// synchronization protocol: key-header transport crypto, streaming
// AES-CBC payload transforms, the multipart upload/update instruction
// protocol, and the cursor-paginated query surface.
package drive

import (
	"strings"

	"github.com/google/uuid"
)

// TargetDrive names a logical drive with two opaque 128-bit identifiers.
// Values are immutable; comparison is case-insensitive after dash
// stripping, since servers emit both dashed and compact GUID forms.
type TargetDrive struct {
	Alias string `json:"alias"`
	Type  string `json:"type"`
}

// normalizeGUID lowercases a GUID and strips dashes so both wire forms
// compare equal.
func normalizeGUID(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", ""))
}

// Equal reports whether two drives name the same (alias, type) pair.
func (d TargetDrive) Equal(other TargetDrive) bool {
	return normalizeGUID(d.Alias) == normalizeGUID(other.Alias) &&
		normalizeGUID(d.Type) == normalizeGUID(other.Type)
}

// String returns the compact "alias:type" form used in cache keys and logs.
func (d TargetDrive) String() string {
	return normalizeGUID(d.Alias) + ":" + normalizeGUID(d.Type)
}

// NewGUID returns a fresh dashed GUID string. Used for fileIds,
// uniqueIds, and versionTags minted client-side.
func NewGUID() string {
	return uuid.NewString()
}

// FileState filters for queries. Servers treat an absent filter as
// "active only"; the client makes that default explicit.
const (
	FileStateActive  = 0
	FileStateDeleted = 1
)

// TransferUploadStatus is the per-recipient outcome reported by an upload.
type TransferUploadStatus string

const (
	TransferDelivered        TransferUploadStatus = "delivered"
	TransferEnqueued         TransferUploadStatus = "enqueued"
	TransferEnqueuedFailed   TransferUploadStatus = "enqueuedfailed"
	TransferRecipientBlocked TransferUploadStatus = "recipientblocked"
)

// ThumbnailDescriptor describes one stored thumbnail of a payload.
type ThumbnailDescriptor struct {
	PixelWidth  int    `json:"pixelWidth"`
	PixelHeight int    `json:"pixelHeight"`
	ContentType string `json:"contentType"`
}

// EmbeddedThumb is a small inline preview carried in the file header so
// list views render without a thumb fetch.
type EmbeddedThumb struct {
	PixelWidth  int    `json:"pixelWidth"`
	PixelHeight int    `json:"pixelHeight"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"` // base64
}

// PayloadDescriptor describes one payload of a file. A file owns 0..N
// payloads, each encrypted with the file's KeyHeader key but a
// payload-specific IV recorded here, so payloads are independently
// range-decryptable. Key is unique within the file's payload set.
type PayloadDescriptor struct {
	Key              string                `json:"key"`
	ContentType      string                `json:"contentType"`
	BytesWritten     int64                 `json:"bytesWritten"`
	LastModified     int64                 `json:"lastModified"`
	Thumbnails       []ThumbnailDescriptor `json:"thumbnails,omitempty"`
	PreviewThumbnail *EmbeddedThumb        `json:"previewThumbnail,omitempty"`
	IV               []byte                `json:"iv,omitempty"`
}

// AppFileMetaData is the application-facing slice of a file header.
// Content holds the file's logical JSON content; when the file is
// encrypted it arrives as base64 ciphertext and is decrypted in place
// by the query/fetch decrypt pass.
type AppFileMetaData struct {
	UniqueID         string         `json:"uniqueId,omitempty"`
	GroupID          string         `json:"groupId,omitempty"`
	FileType         int            `json:"fileType"`
	DataType         int            `json:"dataType"`
	UserDate         *int64         `json:"userDate,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Content          string         `json:"content,omitempty"`
	PreviewThumbnail *EmbeddedThumb `json:"previewThumbnail,omitempty"`
	ArchivalStatus   int            `json:"archivalStatus"`
}

// ReactionSummary is the server-maintained preview of reactions on a file.
type ReactionSummary struct {
	Reactions  map[string]ReactionCount `json:"reactions,omitempty"`
	TotalCount int                      `json:"totalCount"`
}

// ReactionCount is one emoji's aggregate in a ReactionSummary.
type ReactionCount struct {
	Key             string `json:"key"`
	Count           int    `json:"count"`
	ReactionContent string `json:"reactionContent"`
}

// FileMetadata is the decrypted header metadata of a file. VersionTag is
// an opaque optimistic-concurrency token; every mutating call must
// present the tag it last observed or the server rejects the write.
type FileMetadata struct {
	Created         int64               `json:"created"`
	Updated         int64               `json:"updated"`
	TransitCreated  int64               `json:"transitCreated,omitempty"`
	GlobalTransitID string              `json:"globalTransitId,omitempty"`
	IsEncrypted     bool                `json:"isEncrypted"`
	SenderOdinID    string              `json:"senderOdinId,omitempty"`
	OriginalAuthor  string              `json:"originalAuthor,omitempty"`
	AppData         AppFileMetaData     `json:"appData"`
	Payloads        []PayloadDescriptor `json:"payloads,omitempty"`
	ReactionPreview *ReactionSummary    `json:"reactionPreview,omitempty"`
	VersionTag      string              `json:"versionTag,omitempty"`
}

// FileHeader is one file as returned by query and header endpoints. The
// key header arrives shared-secret encrypted; DecryptKeyHeader unwraps
// it when content access is needed.
type FileHeader struct {
	FileID                         string             `json:"fileId"`
	FileState                      int                `json:"fileState"`
	FileSystemType                 string             `json:"fileSystemType,omitempty"`
	SharedSecretEncryptedKeyHeader EncryptedKeyHeader `json:"sharedSecretEncryptedKeyHeader"`
	FileMetadata                   FileMetadata       `json:"fileMetadata"`
	Priority                       int                `json:"priority,omitempty"`
}

// FileIdentifier addresses one file on one drive.
type FileIdentifier struct {
	FileID      string      `json:"fileId"`
	TargetDrive TargetDrive `json:"targetDrive"`
}

// GlobalTransitIDFileIdentifier addresses a file by its delivery-stable
// id, shared by every recipient's copy.
type GlobalTransitIDFileIdentifier struct {
	GlobalTransitID string      `json:"globalTransitId"`
	TargetDrive     TargetDrive `json:"targetDrive"`
}

// UploadResult is the server's answer to an upload/update call. The
// KeyHeader field is populated client-side with the plaintext key
// material used for the upload so callers can mutate their local copy
// without a round-trip decrypt; it never crosses the wire.
type UploadResult struct {
	File                          FileIdentifier                  `json:"file"`
	GlobalTransitIDFileIdentifier *GlobalTransitIDFileIdentifier  `json:"globalTransitIdFileIdentifier,omitempty"`
	RecipientStatus               map[string]TransferUploadStatus `json:"recipientStatus,omitempty"`
	NewVersionTag                 string                          `json:"newVersionTag"`

	KeyHeader *KeyHeader `json:"-"`
}

// ReceivedCommand is a durable, at-least-once peer instruction. It must
// be idempotently applied and then acknowledged by ID.
type ReceivedCommand struct {
	ID                string `json:"id"`
	Sender            string `json:"sender"`
	ClientCode        int    `json:"clientCode"`
	ClientJSONMessage string `json:"clientJsonMessage"`
}

// CursorState is an opaque, server-issued pagination token. Equality and
// ordering are defined only by the server; the client never parses it.
type CursorState string

// StorageOptions controls where and how an upload lands.
type StorageOptions struct {
	Drive            TargetDrive `json:"drive"`
	OverwriteFileID  string      `json:"overwriteFileId,omitempty"`
	ExpiresTimestamp int64       `json:"expiresTimestamp,omitempty"`
}

// TransitOptions controls peer delivery of an upload.
type TransitOptions struct {
	Recipients         []string `json:"recipients,omitempty"`
	IsTransient        bool     `json:"isTransient,omitempty"`
	UseGlobalTransitID bool     `json:"useGlobalTransitId,omitempty"`
	Priority           int      `json:"priority,omitempty"`
}

// PayloadUpdateOperation distinguishes update-manifest entries.
type PayloadUpdateOperation string

const (
	PayloadAppendOrOverwrite PayloadUpdateOperation = "appendOrOverwrite"
	PayloadDelete            PayloadUpdateOperation = "deletePayload"
)

// UploadPayloadDescriptor is one manifest entry: the payload to send,
// its transport IV, and the thumbnails that belong to it.
type UploadPayloadDescriptor struct {
	PayloadKey                 string                      `json:"payloadKey"`
	ContentType                string                      `json:"contentType,omitempty"`
	IV                         []byte                      `json:"iv,omitempty"`
	Thumbnails                 []UploadThumbnailDescriptor `json:"thumbnails,omitempty"`
	PayloadUpdateOperationType PayloadUpdateOperation      `json:"payloadUpdateOperationType,omitempty"`
}

// UploadThumbnailDescriptor names one thumbnail part of an upload.
type UploadThumbnailDescriptor struct {
	ThumbnailKey string `json:"thumbnailKey"`
	PixelWidth   int    `json:"pixelWidth"`
	PixelHeight  int    `json:"pixelHeight"`
	ContentType  string `json:"contentType,omitempty"`
}

// UploadManifest lists the payload parts the multipart body will carry.
type UploadManifest struct {
	PayloadDescriptors []UploadPayloadDescriptor `json:"payloadDescriptors,omitempty"`
}

// UploadInstructionSet is the plaintext "instructions" part of an
// upload. The TransferIV binds the encrypted descriptor part to this
// request; a fresh one is generated per call.
type UploadInstructionSet struct {
	TransferIV     []byte         `json:"transferIv"`
	StorageOptions StorageOptions `json:"storageOptions"`
	TransitOptions TransitOptions `json:"transitOptions"`
	Manifest       UploadManifest `json:"manifest"`
}

// UploadFileMetadata is the descriptor-part metadata sent on upload.
// When the file is encrypted, AppData.Content has already been
// encrypted with the file KeyHeader before this struct is serialized,
// and the whole descriptor is then shared-secret encrypted.
type UploadFileMetadata struct {
	AllowDistribution bool            `json:"allowDistribution"`
	IsEncrypted       bool            `json:"isEncrypted"`
	AppData           AppFileMetaData `json:"appData"`
	VersionTag        string          `json:"versionTag,omitempty"`
}

// UploadPayload is one payload part supplied by the caller: plaintext
// content plus its descriptor fields.
type UploadPayload struct {
	Key              string
	ContentType      string
	Content          []byte
	Thumbnails       []UploadThumbnail
	PreviewThumbnail *EmbeddedThumb
}

// UploadThumbnail is one thumbnail part supplied by the caller.
type UploadThumbnail struct {
	PayloadKey  string
	PixelWidth  int
	PixelHeight int
	ContentType string
	Content     []byte
}

// TimeRange is an inclusive [Start, End] millisecond-epoch window.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// FileQueryParams filters a drive query. UserDate and the discrete
// UserDateStart/End express the same filter two ways; the client
// reconciles them into the canonical UserDate range before sending.
type FileQueryParams struct {
	TargetDrive              TargetDrive `json:"targetDrive"`
	FileType                 []int       `json:"fileType,omitempty"`
	DataType                 []int       `json:"dataType,omitempty"`
	FileState                []int       `json:"fileState,omitempty"`
	Sender                   []string    `json:"sender,omitempty"`
	GroupID                  []string    `json:"groupId,omitempty"`
	UserDate                 *TimeRange  `json:"userDate,omitempty"`
	UserDateStart            *int64      `json:"-"`
	UserDateEnd              *int64      `json:"-"`
	TagsMatchAtLeastOne      []string    `json:"tagsMatchAtLeastOne,omitempty"`
	ClientUniqueIDAtLeastOne []string    `json:"clientUniqueIdAtLeastOne,omitempty"`
	GlobalTransitID          []string    `json:"globalTransitId,omitempty"`
	ArchivalStatus           []int       `json:"archivalStatus,omitempty"`
}

// QueryBatchResultOptions shapes one page of a batch query.
type QueryBatchResultOptions struct {
	MaxRecords             int         `json:"maxRecords"`
	CursorState            CursorState `json:"cursorState,omitempty"`
	IncludeMetadataHeader  bool        `json:"includeMetadataHeader"`
	IncludeTransferHistory bool        `json:"includeTransferHistory,omitempty"`
	Ordering               string      `json:"ordering,omitempty"`
	Sorting                string      `json:"sorting,omitempty"`
}

// QueryModifiedResultOptions shapes one page of a modified query.
type QueryModifiedResultOptions struct {
	MaxRecords              int         `json:"maxRecords"`
	Cursor                  CursorState `json:"cursor,omitempty"`
	IncludeHeaderContent    bool        `json:"includeHeaderContent"`
	ExcludePreviewThumbnail bool        `json:"excludePreviewThumbnail,omitempty"`
}

// QueryBatchResponse is one page of batch query results. CursorState is
// passed back verbatim to continue the page sequence.
type QueryBatchResponse struct {
	SearchResults         []FileHeader `json:"searchResults"`
	CursorState           CursorState  `json:"cursorState"`
	QueryTime             int64        `json:"queryTime"`
	IncludeMetadataHeader bool         `json:"includeMetadataHeader"`
}

// QueryModifiedResponse is one page of modification-cursor results.
type QueryModifiedResponse struct {
	SearchResults        []FileHeader `json:"searchResults"`
	Cursor               CursorState  `json:"cursor"`
	QueryTime            int64        `json:"queryTime"`
	IncludeHeaderContent bool         `json:"includeHeaderContent"`
}

// NamedQuery is one entry of a batch-collection request.
type NamedQuery struct {
	Name          string                  `json:"name"`
	QueryParams   FileQueryParams         `json:"queryParams"`
	ResultOptions QueryBatchResultOptions `json:"resultOptionsRequest"`
}

// NamedQueryResponse is one entry of a batch-collection response.
type NamedQueryResponse struct {
	Name string `json:"name"`
	QueryBatchResponse
}

// QueryBatchCollectionResponse groups the per-name pages of a
// batch-collection call.
type QueryBatchCollectionResponse struct {
	Results []NamedQueryResponse `json:"results"`
}
