package rag

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "aiassist/internal/platform/log"
)

// ── Parser 接口 ───────────────────────────────────────────────

// ExtractResult 文本提取结果
type ExtractResult struct {
	Content string `json:"content"`
	Format  string `json:"format"`
	Pages   int    `json:"pages,omitempty"`
}

// Parser 单一格式的文本提取器
type Parser interface {
	// Parse 读取文档并返回纯文本
	Parse(reader io.Reader, filename string) (*ExtractResult, error)
	// SupportedTypes 支持的文件扩展名
	SupportedTypes() []string
}

// ── PDF Parser ───────────────────────────────────────────────

// PDFParser 逐页提取 PDF 文本，页间以单个空格连接
type PDFParser struct{}

func (p *PDFParser) SupportedTypes() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(reader io.Reader, filename string) (*ExtractResult, error) {
	// pdf 库需要 io.ReaderAt + size，先读到内存
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf data: %w", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	total := r.NumPage()
	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[RAG/PDF] Failed to extract page text", "file", filename, "page", i, "error", err)
			continue
		}
		pages = append(pages, text)
	}

	return &ExtractResult{
		Content: joinPages(pages),
		Format:  "pdf",
		Pages:   total,
	}, nil
}

// joinPages 去掉空页后以单个空格连接
func joinPages(pages []string) string {
	kept := make([]string, 0, len(pages))
	for _, p := range pages {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// ── DOCX Parser ──────────────────────────────────────────────

// DOCXParser 拼接 Word 文档段落文本
type DOCXParser struct{}

func (p *DOCXParser) SupportedTypes() []string {
	return []string{".docx"}
}

func (p *DOCXParser) Parse(reader io.Reader, filename string) (*ExtractResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx data: %w", err)
	}

	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	paragraphs, err := docxParagraphs(r.Editable().GetContent())
	if err != nil {
		return nil, fmt.Errorf("parse docx xml: %w", err)
	}

	return &ExtractResult{
		Content: strings.Join(paragraphs, "\n"),
		Format:  "docx",
	}, nil
}

// docxParagraphs 遍历 document.xml，收集每个 <w:p> 内 <w:t> 的文本
func docxParagraphs(documentXML string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(documentXML))

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte(' ')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := strings.TrimSpace(current.String()); text != "" {
					paragraphs = append(paragraphs, text)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return paragraphs, nil
}

// ── Plain Text / Markdown Parser ─────────────────────────────

// PlainTextParser 纯文本与 Markdown 原样读取
type PlainTextParser struct{}

func (p *PlainTextParser) SupportedTypes() []string {
	return []string{".txt", ".md", ".markdown"}
}

func (p *PlainTextParser) Parse(reader io.Reader, filename string) (*ExtractResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	format := "txt"
	if strings.HasSuffix(strings.ToLower(filename), ".md") || strings.HasSuffix(strings.ToLower(filename), ".markdown") {
		format = "md"
	}
	return &ExtractResult{
		Content: strings.TrimSpace(string(data)),
		Format:  format,
	}, nil
}
