package domain

import "time"

type TenderStatus string

const (
	TenderStatusUploading TenderStatus = "uploading"
	TenderStatusUploaded  TenderStatus = "uploaded"
	TenderStatusParsing   TenderStatus = "parsing"
	TenderStatusParsed    TenderStatus = "parsed"
	TenderStatusFailed    TenderStatus = "failed"
)

type RagIngestionStatus string

const (
	RagIngestionPending RagIngestionStatus = "pending"
	RagIngestionRunning RagIngestionStatus = "running"
	RagIngestionDone    RagIngestionStatus = "done"
	RagIngestionFailed  RagIngestionStatus = "failed"
)

type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusUploading FileStatus = "uploading"
	FileStatusUploaded  FileStatus = "uploaded"
	FileStatusFailed    FileStatus = "failed"
)

// FileRecord is one uploaded document within a session. Created when the
// signed upload URL is issued, mutated only by the completion callback,
// never deleted (failed uploads stay visible with their error).
type FileRecord struct {
	FileID       string     `json:"fileId"`
	OriginalName string     `json:"originalName"`
	StoredName   string     `json:"storedName"`
	ContentType  string     `json:"contentType"`
	SizeBytes    int64      `json:"sizeBytes"`
	StorageURI   string     `json:"storageUri,omitempty"`
	Status       FileStatus `json:"status"`
	UploadedAt   *time.Time `json:"uploadedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// RagFile is the opaque handle the ingestion service returns for one
// imported source document.
type RagFile struct {
	RagFileName string `json:"ragFileName"`
	SourceURI   string `json:"sourceUri"`
}

type RagIngestion struct {
	Status      RagIngestionStatus `json:"status"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
}

type ParseMetadata struct {
	OutputURI   string     `json:"outputUri,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TenderSession is the per-upload-batch record. Status and the
// ragIngestion/parse sub-objects are owned by the tender runner; handlers
// only read them and request transitions.
//
// Invariants:
//   - Parse.OutputURI is set only when Status == parsed.
//   - RagFiles is non-empty only when RagIngestion.Status == done.
//   - Status cannot move to parsing unless RagIngestion.Status == done and
//     every file is uploaded.
type TenderSession struct {
	TenderID  string       `json:"tenderId"`
	Status    TenderStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	CreatedBy string       `json:"createdBy,omitempty"`

	Files        []FileRecord  `json:"files"`
	RagIngestion RagIngestion  `json:"ragIngestion"`
	RagFiles     []RagFile     `json:"ragFiles,omitempty"`
	Parse        ParseMetadata `json:"parse"`
}

// File returns the record for fileID, or nil.
func (s *TenderSession) File(fileID string) *FileRecord {
	for i := range s.Files {
		if s.Files[i].FileID == fileID {
			return &s.Files[i]
		}
	}
	return nil
}

// AllFilesUploaded reports whether the session has at least one file and
// every file has completed its upload.
func (s *TenderSession) AllFilesUploaded() bool {
	if len(s.Files) == 0 {
		return false
	}
	for i := range s.Files {
		if s.Files[i].Status != FileStatusUploaded {
			return false
		}
	}
	return true
}

// Citation points from a generated answer back to the source passage(s).
type Citation struct {
	SourceURI string `json:"sourceUri,omitempty"`
	PageLabel string `json:"pageLabel,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
}

type RagAnswer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

type RagDocument struct {
	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`
}

// PlaybookEntry is the outcome for one playbook question. A question that
// failed (after quota retries were exhausted, or on any other generation
// error) keeps its slot with an empty Answers list.
type PlaybookEntry struct {
	QuestionID string        `json:"questionId"`
	Question   string        `json:"question"`
	Answers    []RagAnswer   `json:"answers"`
	Documents  []RagDocument `json:"documents"`
}

// PlaybookResult is the immutable artifact written once per run, keyed by
// (tenderId, generatedAt) in object storage.
type PlaybookResult struct {
	TenderID    string          `json:"tenderId"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Results     []PlaybookEntry `json:"results"`
}

type UploadLimits struct {
	MaxFileSizeBytes int64    `json:"maxFileSizeBytes"`
	AllowedMimeTypes []string `json:"allowedMimeTypes"`
	MaxFiles         int      `json:"maxFiles"`
}
