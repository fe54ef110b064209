package ragclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"
	"time"

	"google.golang.org/genai"

	"tenderbackend/domain"
)

// Ingestor registers source documents with the managed corpus and returns
// one opaque handle per document. Import must be idempotent per source URI:
// reimporting replaces the previous corpus entry instead of appending.
type Ingestor interface {
	ImportDocuments(ctx context.Context, tenderID string, files []domain.FileRecord) ([]domain.RagFile, error)
	DeleteDocuments(ctx context.Context, handles []domain.RagFile) error
}

// Answerer runs one retrieval+generation call for one question against the
// given handles. Quota errors come back as domain.QuotaExceededError, any
// other failure as domain.GenerationError.
type Answerer interface {
	Ask(ctx context.Context, question string, handles []domain.RagFile) (domain.RagAnswer, []domain.RagDocument, error)
}

// ObjectFetcher is the slice of the object store the ingestor needs.
type ObjectFetcher interface {
	GetObject(objectKey string) (io.ReadCloser, error)
	KeyFromURI(uri string) (string, bool)
}

// Client talks to the Gemini API: the file service plays the corpus role
// (one provider file per source document), generation answers questions
// grounded on those files.
type Client struct {
	genai   *genai.Client
	model   string
	timeout time.Duration
	objects ObjectFetcher
}

func NewFromEnv(ctx context.Context, objects ObjectFetcher) (*Client, bool, error) {
	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, false, nil
	}
	model := strings.TrimSpace(os.Getenv("GEMINI_MODEL"))
	if model == "" {
		model = "gemini-2.0-flash"
	}
	timeoutSec := readEnvInt64Default("GEMINI_TIMEOUT_SECONDS", 120)
	if timeoutSec <= 0 {
		timeoutSec = 120
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, true, fmt.Errorf("init genai client failed: %w", err)
	}
	return &Client{
		genai:   gc,
		model:   model,
		timeout: time.Duration(timeoutSec) * time.Second,
		objects: objects,
	}, true, nil
}

// mapFilesBySourceURI lists provider files keyed by display name (we set
// the display name to the source URI on upload).
func (c *Client) mapFilesBySourceURI(ctx context.Context) (map[string]*genai.File, error) {
	out := make(map[string]*genai.File)
	for f, err := range c.genai.Files.All(ctx) {
		if err != nil {
			return nil, err
		}
		if f == nil || strings.TrimSpace(f.DisplayName) == "" {
			continue
		}
		out[f.DisplayName] = f
	}
	return out, nil
}

func (c *Client) ImportDocuments(ctx context.Context, tenderID string, files []domain.FileRecord) ([]domain.RagFile, error) {
	if c == nil || c.genai == nil {
		return nil, domain.Ingestion(errors.New("rag client not initialized"))
	}
	if len(files) == 0 {
		return nil, domain.Ingestion(errors.New("no documents to import"))
	}

	if c.objects == nil {
		return nil, domain.Ingestion(errors.New("object store not configured, cannot fetch raw documents"))
	}

	existing, err := c.mapFilesBySourceURI(ctx)
	if err != nil {
		return nil, domain.Ingestion(fmt.Errorf("list corpus files: %w", err))
	}

	handles := make([]domain.RagFile, 0, len(files))
	for i := range files {
		fr := &files[i]
		if strings.TrimSpace(fr.StorageURI) == "" {
			return nil, domain.Ingestion(fmt.Errorf("file %s has no storage uri", fr.FileID))
		}
		// Replace, not append: a stale entry for the same source URI is
		// removed before the fresh upload.
		if prev, ok := existing[fr.StorageURI]; ok && prev != nil {
			if _, err := c.genai.Files.Delete(ctx, prev.Name, nil); err != nil {
				log.Printf("rag import: replace %s: delete stale file %s failed: %v", fr.StorageURI, prev.Name, err)
			}
		}

		handle, err := c.uploadOne(ctx, tenderID, fr)
		if err != nil {
			return nil, domain.Ingestion(fmt.Errorf("import %s: %w", fr.OriginalName, err))
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func (c *Client) uploadOne(ctx context.Context, tenderID string, fr *domain.FileRecord) (domain.RagFile, error) {
	key, ok := c.objects.KeyFromURI(fr.StorageURI)
	if !ok {
		return domain.RagFile{}, fmt.Errorf("storage uri %q is not in the configured bucket", fr.StorageURI)
	}
	rc, err := c.objects.GetObject(key)
	if err != nil {
		return domain.RagFile{}, fmt.Errorf("fetch raw object: %w", err)
	}
	defer rc.Close()

	uploadCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	f, err := c.genai.Files.Upload(uploadCtx, rc, &genai.UploadFileConfig{
		DisplayName: fr.StorageURI,
		MIMEType:    fr.ContentType,
	})
	if err != nil {
		return domain.RagFile{}, err
	}
	if f == nil || strings.TrimSpace(f.Name) == "" {
		return domain.RagFile{}, fmt.Errorf("provider returned no handle for %s (tender %s)", fr.OriginalName, tenderID)
	}
	return domain.RagFile{RagFileName: f.Name, SourceURI: fr.StorageURI}, nil
}

// DeleteDocuments removes handles from the provider. Best effort: the
// first error is returned but remaining handles are still attempted.
func (c *Client) DeleteDocuments(ctx context.Context, handles []domain.RagFile) error {
	if c == nil || c.genai == nil {
		return nil
	}
	var firstErr error
	for _, h := range handles {
		if strings.TrimSpace(h.RagFileName) == "" {
			continue
		}
		if _, err := c.genai.Files.Delete(ctx, h.RagFileName, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const answerSystemPrompt = "You answer questions about a tender document pack. " +
	"Answer only from the attached documents. " +
	"If the documents contain no relevant information, answer exactly: No relevant context found."

func (c *Client) Ask(ctx context.Context, question string, handles []domain.RagFile) (domain.RagAnswer, []domain.RagDocument, error) {
	if c == nil || c.genai == nil {
		return domain.RagAnswer{}, nil, domain.Generation(errors.New("rag client not initialized"))
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.RagAnswer{}, nil, domain.Generation(errors.New("question empty"))
	}
	if len(handles) == 0 {
		return domain.RagAnswer{}, nil, domain.Generation(errors.New("no corpus handles for this tender"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	parts := make([]*genai.Part, 0, len(handles)+1)
	documents := make([]domain.RagDocument, 0, len(handles))
	for _, h := range handles {
		f, err := c.genai.Files.Get(callCtx, h.RagFileName, nil)
		if err != nil {
			return domain.RagAnswer{}, nil, classifyProviderError(err)
		}
		parts = append(parts, genai.NewPartFromURI(f.URI, f.MIMEType))
		documents = append(documents, domain.RagDocument{
			URI:   h.SourceURI,
			Title: path.Base(h.SourceURI),
		})
	}
	parts = append(parts, genai.NewPartFromText(question))

	resp, err := c.genai.Models.GenerateContent(callCtx, c.model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: parts}},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(answerSystemPrompt, genai.RoleUser),
		},
	)
	if err != nil {
		return domain.RagAnswer{}, nil, classifyProviderError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		text = "No relevant context found."
	}

	answer := domain.RagAnswer{Text: text, Citations: citationsFromResponse(resp, handles)}
	return answer, documents, nil
}

// citationsFromResponse maps provider citation metadata back to source
// URIs; when the provider returns none, the attached sources themselves
// are cited (the generation was grounded on exactly those files).
func citationsFromResponse(resp *genai.GenerateContentResponse, handles []domain.RagFile) []domain.Citation {
	byProviderURI := make(map[string]string, len(handles))
	for _, h := range handles {
		byProviderURI[h.RagFileName] = h.SourceURI
	}

	var out []domain.Citation
	if resp != nil {
		for _, cand := range resp.Candidates {
			if cand == nil || cand.CitationMetadata == nil {
				continue
			}
			for _, cit := range cand.CitationMetadata.Citations {
				if cit == nil {
					continue
				}
				src := cit.URI
				if mapped, ok := byProviderURI[cit.URI]; ok {
					src = mapped
				}
				if strings.TrimSpace(src) == "" {
					continue
				}
				out = append(out, domain.Citation{SourceURI: src})
			}
			if len(out) > 0 {
				break
			}
		}
	}
	if len(out) == 0 {
		for _, h := range handles {
			out = append(out, domain.Citation{SourceURI: h.SourceURI})
		}
	}
	return out
}

// classifyProviderError folds provider failures into the pipeline error
// taxonomy. 429 is the only transient class.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return domain.QuotaExceeded(err)
		}
		return domain.Generation(err)
	}
	return domain.Generation(err)
}

func readEnvInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var n int64
	if _, err := fmt.Sscan(raw, &n); err != nil {
		return def
	}
	return n
}
