// Package docparse implements the document_analyze tool (C4): given a
// document reference (a UUID file id, an internal /api/documents/<id>/*
// URL, or a public URL), download it with bounded retries and extract its
// text. PDF extraction is grounded on the retrieval pack's ledongthuc/pdf
// usage; no Word-document library appears anywhere in the pack, so .docx is
// parsed directly via the standard library's archive/zip + encoding/xml
// (a justified stdlib exception, recorded in DESIGN.md).
package docparse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/backoff"
	"github.com/flowforge/orchestrator/internal/config"
)

// Tool implements agent.Tool for document_analyze.
type Tool struct {
	cfg    config.ToolDocumentConfig
	client *http.Client
}

// New builds a document_analyze Tool from cfg.
func New(cfg config.ToolDocumentConfig) *Tool {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 20 << 20
	}
	return &Tool{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *Tool) Name() string { return "document_analyze" }

func (t *Tool) Description() string {
	return "Downloads and extracts the text of a document, given its file id or URL. Supports PDF and Word (.docx)."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"document": {"type": "string", "description": "A file id (UUID), an internal document URL, or a public URL"}
		},
		"required": ["document"]
	}`)
}

type analysisResult struct {
	Kind  string `json:"kind"`
	Pages int    `json:"pages,omitempty"`
	Text  string `json:"text"`
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func (t *Tool) resolveURL(ref string) (string, error) {
	if uuidPattern.MatchString(ref) {
		if _, err := uuid.Parse(ref); err == nil {
			if t.cfg.FileServerBaseURL == "" {
				return "", fmt.Errorf("document_analyze: no file_server_base_url configured to resolve id %q", ref)
			}
			return strings.TrimRight(t.cfg.FileServerBaseURL, "/") + "/api/documents/" + ref + "/download", nil
		}
	}
	if _, err := url.ParseRequestURI(ref); err == nil && strings.HasPrefix(ref, "http") {
		return ref, nil
	}
	if t.cfg.FileServerBaseURL != "" && strings.HasPrefix(ref, "/") {
		return strings.TrimRight(t.cfg.FileServerBaseURL, "/") + ref, nil
	}
	return "", fmt.Errorf("document_analyze: could not resolve %q to a URL", ref)
}

// permanentHTTPError marks a response status that retrying will not fix
// (any 4xx): download stops immediately instead of burning its retry budget.
type permanentHTTPError struct {
	status int
}

func (e *permanentHTTPError) Error() string {
	return fmt.Sprintf("document_analyze: client error %d", e.status)
}

// download fetches url with up to 3 attempts and exponential backoff,
// bounding the response to cfg.MaxSizeBytes. A 4xx response is permanent and
// is returned on the first attempt without retrying; a 5xx or transport
// error is treated as transient and retried.
func (t *Tool) download(ctx context.Context, url string) ([]byte, string, error) {
	var body []byte
	var contentType string

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("document_analyze: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return &permanentHTTPError{status: resp.StatusCode}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxSizeBytes))
		if err != nil {
			return err
		}
		body = data
		contentType = resp.Header.Get("Content-Type")
		return nil
	}

	var lastErr error
	for i := 1; i <= 3; i++ {
		err := attempt()
		if err == nil {
			return body, contentType, nil
		}
		lastErr = err
		var permanent *permanentHTTPError
		if errors.As(err, &permanent) {
			return nil, "", err
		}
		if i == 3 {
			break
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, backoff.DefaultPolicy(), i); sleepErr != nil {
			return nil, "", sleepErr
		}
	}
	return nil, "", lastErr
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Document string `json:"document"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return &agent.ToolResult{Content: "invalid document_analyze params: " + err.Error(), IsError: true}, nil
	}

	target, err := t.resolveURL(strings.TrimSpace(p.Document))
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	data, contentType, err := t.download(ctx, target)
	if err != nil {
		return &agent.ToolResult{Content: "document_analyze: download failed: " + err.Error(), IsError: true}, nil
	}

	var result analysisResult
	switch {
	case strings.Contains(contentType, "pdf") || strings.HasSuffix(strings.ToLower(target), ".pdf"):
		result, err = extractPDF(data)
	case strings.HasSuffix(strings.ToLower(target), ".docx") || strings.Contains(contentType, "wordprocessingml"):
		result, err = extractDocx(data)
	default:
		result = analysisResult{Kind: "text", Text: string(data)}
	}
	if err != nil {
		return &agent.ToolResult{Content: "document_analyze: extraction failed: " + err.Error(), IsError: true}, nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		return &agent.ToolResult{Content: "document_analyze: failed to encode result: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(out)}, nil
}

func extractPDF(data []byte) (analysisResult, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return analysisResult{}, fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return analysisResult{}, fmt.Errorf("extract pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return analysisResult{}, fmt.Errorf("read pdf text: %w", err)
	}
	return analysisResult{Kind: "pdf", Pages: r.NumPage(), Text: strings.TrimSpace(string(text))}, nil
}

// docxBody mirrors the subset of word/document.xml needed to recover plain
// text: a sequence of paragraphs, each a sequence of runs, each a sequence
// of text nodes.
type docxBody struct {
	Paragraphs []docxParagraph `xml:"body>p"`
}

type docxParagraph struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Text []string `xml:"t"`
}

func extractDocx(data []byte) (analysisResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return analysisResult{}, fmt.Errorf("open docx: %w", err)
	}
	var docXML *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML = f
			break
		}
	}
	if docXML == nil {
		return analysisResult{}, fmt.Errorf("docx: word/document.xml not found")
	}
	rc, err := docXML.Open()
	if err != nil {
		return analysisResult{}, fmt.Errorf("docx: open document.xml: %w", err)
	}
	defer rc.Close()

	var body docxBody
	if err := xml.NewDecoder(rc).Decode(&body); err != nil {
		return analysisResult{}, fmt.Errorf("docx: parse document.xml: %w", err)
	}

	var sb strings.Builder
	for _, para := range body.Paragraphs {
		for _, run := range para.Runs {
			for _, t := range run.Text {
				sb.WriteString(t)
			}
		}
		sb.WriteString("\n")
	}
	return analysisResult{Kind: "docx", Text: strings.TrimSpace(sb.String())}, nil
}
