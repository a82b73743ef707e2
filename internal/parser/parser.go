// Package parser turns an OpenAI-shaped chat/completions body into
// {prompt, imageRefs, modelKey, streaming}, enforcing the per-model image
// policy and writing attachments out to temp files along the way.
package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/browsergate/browsergate/pkg/models"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

// hardImageLimit is the attachment ceiling the browser upload widget
// imposes: when the configured limit exceeds it, images beyond index 9 are
// silently dropped rather than rejected.
const hardImageLimit = 10

// ModelResolver is the subset of the pool's capability surface the parser
// needs. Accepting an interface here (rather than *pool.Pool) keeps this
// package free of a dependency on the pool's concrete scheduling logic.
type ModelResolver interface {
	Supports(modelKey string) bool
	GetImagePolicy(modelKey string) models.ImagePolicy
}

// Config holds the parser's operational knobs: the image-count limit and
// the directory attachment temp files are written under.
type Config struct {
	ImageLimit int
	TempDir    string
}

// ParseError is the typed error set the parser can produce; the HTTP
// facade maps Code directly into the error envelope and Status into the
// response code.
type ParseError struct {
	Code    string
	Message string
	Status  int
}

func (e *ParseError) Error() string { return e.Message }

func newParseError(code, message string, status int) *ParseError {
	return &ParseError{Code: code, Message: message, Status: status}
}

// Parsed is the parser's successful output.
type Parsed struct {
	Prompt    string
	ImageRefs []string
	ModelKey  string
	ModelName string
	Streaming bool
}

// Parse decodes and validates body against resolver, writing any attached
// images to temp files under cfg.TempDir. On any validation failure it
// returns a *ParseError and the temp files already written for earlier
// images in the same request are cleaned up before returning.
func Parse(body io.Reader, cfg Config, resolver ModelResolver) (*Parsed, error) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, newParseError("INVALID_REQUEST", "malformed JSON body: "+err.Error(), http.StatusBadRequest)
	}

	if len(req.Messages) == 0 {
		return nil, newParseError("INVALID_REQUEST", "messages must not be empty", http.StatusBadRequest)
	}

	var last *models.ChatMessage
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = &req.Messages[i]
			break
		}
	}
	if last == nil {
		return nil, newParseError("INVALID_REQUEST", "no user message present", http.StatusBadRequest)
	}

	prompt, dataURIs, err := extractContent(last.Content)
	if err != nil {
		return nil, newParseError("INVALID_REQUEST", err.Error(), http.StatusBadRequest)
	}

	dataURIs, err = applyImageCountPolicy(dataURIs, cfg.ImageLimit)
	if err != nil {
		return nil, err
	}

	imageRefs, err := writeTempImages(dataURIs, cfg.TempDir)
	if err != nil {
		return nil, newParseError("INVALID_REQUEST", "failed to decode image: "+err.Error(), http.StatusBadRequest)
	}

	if req.Model == "" || !resolver.Supports(req.Model) {
		cleanup(imageRefs)
		return nil, newParseError("INVALID_MODEL", "model not found: "+req.Model, http.StatusBadRequest)
	}

	if perr := checkImagePolicy(resolver.GetImagePolicy(req.Model), len(imageRefs) > 0); perr != nil {
		cleanup(imageRefs)
		return nil, perr
	}

	return &Parsed{
		Prompt:    prompt,
		ImageRefs: imageRefs,
		ModelKey:  req.Model,
		ModelName: req.Model,
		Streaming: req.Stream,
	}, nil
}

// extractContent: a string content is the prompt verbatim; an array
// content appends every text part and collects every image_url data URI
// in order.
func extractContent(raw json.RawMessage) (string, []string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil, nil
	}

	var parts []models.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("message content must be a string or an array: %w", err)
	}

	var textBuilder strings.Builder
	var images []string
	for _, part := range parts {
		switch part.Type {
		case "text":
			textBuilder.WriteString(part.Text)
		case "image_url":
			if part.ImageURL != nil && strings.HasPrefix(part.ImageURL.URL, "data:image/") {
				images = append(images, part.ImageURL.URL)
			}
		}
	}
	return textBuilder.String(), images, nil
}

// applyImageCountPolicy rejects over-limit requests for small limits and
// silently truncates to the hard ceiling for large ones.
func applyImageCountPolicy(images []string, limit int) ([]string, error) {
	if limit <= hardImageLimit {
		if len(images) > limit {
			return nil, newParseError(
				"TOO_MANY_IMAGES",
				"request carries "+strconv.Itoa(len(images))+" images, limit is "+strconv.Itoa(limit),
				http.StatusRequestEntityTooLarge,
			)
		}
		return images, nil
	}
	if len(images) > hardImageLimit {
		images = images[:hardImageLimit]
	}
	return images, nil
}

// checkImagePolicy gates the request on the resolved model's policy.
func checkImagePolicy(policy models.ImagePolicy, hasImages bool) *ParseError {
	switch policy {
	case models.ImageRequired:
		if !hasImages {
			return newParseError("IMAGE_REQUIRED", "this model requires at least one image", http.StatusBadRequest)
		}
	case models.ImageForbidden:
		if hasImages {
			return newParseError("IMAGE_FORBIDDEN", "this model does not accept images", http.StatusBadRequest)
		}
	}
	return nil
}

// writeTempImages re-encodes every data URI to JPEG at quality 90 and
// writes it to a randomly named file under tempDir. On
// any failure, files already written in this call are removed before the
// error is returned.
func writeTempImages(dataURIs []string, tempDir string) (refs []string, err error) {
	defer func() {
		if err != nil {
			cleanup(refs)
			refs = nil
		}
	}()

	for _, uri := range dataURIs {
		img, decodeErr := decodeDataURI(uri)
		if decodeErr != nil {
			return nil, decodeErr
		}

		var buf bytes.Buffer
		if encErr := encodeJPEG(&buf, img); encErr != nil {
			return nil, encErr
		}

		path := filepath.Join(tempDir, uuid.NewString()+".jpg")
		if writeErr := os.WriteFile(path, buf.Bytes(), 0o600); writeErr != nil {
			return nil, writeErr
		}
		refs = append(refs, path)
	}
	return refs, nil
}

func encodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
}

func decodeDataURI(uri string) (image.Image, error) {
	idx := strings.Index(uri, ",")
	if idx < 0 || !strings.Contains(uri[:idx], "base64") {
		return nil, fmt.Errorf("unsupported image data URI")
	}
	raw, err := base64.StdEncoding.DecodeString(uri[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// cleanup removes every temp file in refs, best-effort.
func cleanup(refs []string) {
	for _, ref := range refs {
		_ = os.Remove(ref)
	}
}

// Cleanup removes a Parsed request's temp files. Exported for the task
// queue's guaranteed-release scope at task completion.
func Cleanup(p *Parsed) {
	if p == nil {
		return
	}
	cleanup(p.ImageRefs)
}
