package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/quill/internal/event"
)

// DefaultThreshold is the decoded size above which an inline
// representation is externalized.
const DefaultThreshold = 6 * 1024

// Uploader is the slice of the artifact store the externalizer needs.
// *Client implements it.
type Uploader interface {
	Submit(ctx context.Context, data []byte, opts SubmitOptions) (string, error)
	Resolve(artifactID string) string
}

// Externalizer applies the externalization policy to representation
// lists before they are appended as events. Externalization is an
// optimization, never a correctness requirement: every failure path
// degrades to inline storage and the execution continues.
type Externalizer struct {
	up        Uploader
	threshold int
	log       *slog.Logger
}

// NewExternalizer creates an externalizer. threshold <= 0 selects
// DefaultThreshold; a nil logger falls back to slog.Default.
func NewExternalizer(up Uploader, threshold int, log *slog.Logger) *Externalizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Externalizer{up: up, threshold: threshold, log: log}
}

// Process returns the representation list with oversized inline entries
// replaced by artifact references where upload succeeded. Entries are
// never dropped; on any upload failure the original inline entry is
// kept. For externalized images, text/plain and markdown link
// representations are synthesized unless the handler already supplied
// one - a supplied representation is never overwritten.
func (e *Externalizer) Process(ctx context.Context, notebookID string, reps []event.Representation) []event.Representation {
	if e == nil || e.up == nil || len(reps) == 0 {
		return reps
	}

	supplied := make(map[string]bool, len(reps))
	for _, r := range reps {
		supplied[r.MimeType] = true
	}

	out := make([]event.Representation, 0, len(reps))
	var synthesized []event.Representation

	for _, r := range reps {
		if r.Kind != event.RepresentationInline || decodedSize(r) <= e.threshold {
			out = append(out, r)
			continue
		}

		data := decodedBytes(r)
		artifactID, err := e.up.Submit(ctx, data, SubmitOptions{
			NotebookID: notebookID,
			MimeType:   r.MimeType,
		})
		if err != nil {
			// Best effort only: keep the bytes inline and move on.
			e.log.Warn("artifact upload failed, keeping representation inline",
				"mimeType", r.MimeType, "size", len(data), "error", err)
			out = append(out, r)
			continue
		}

		out = append(out, event.Representation{
			Kind:       event.RepresentationArtifact,
			MimeType:   r.MimeType,
			ArtifactID: artifactID,
			Metadata:   r.Metadata,
		})

		if strings.HasPrefix(r.MimeType, "image/") {
			url := e.up.Resolve(artifactID)
			if !supplied["text/plain"] {
				supplied["text/plain"] = true
				synthesized = append(synthesized, event.Representation{
					Kind:     event.RepresentationInline,
					MimeType: "text/plain",
					Data:     url,
				})
			}
			if !supplied["text/markdown"] {
				supplied["text/markdown"] = true
				synthesized = append(synthesized, event.Representation{
					Kind:     event.RepresentationInline,
					MimeType: "text/markdown",
					Data:     fmt.Sprintf("![image](%s)", url),
				})
			}
		}
	}

	return append(out, synthesized...)
}

// decodedSize measures the representation's payload after base64
// decoding when the data is base64 (binary MIME types); plain text
// counts as-is.
func decodedSize(r event.Representation) int {
	return len(decodedBytes(r))
}

func decodedBytes(r event.Representation) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(r.Data); err == nil {
		return decoded
	}
	return []byte(r.Data)
}
