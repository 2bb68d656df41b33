package storage

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/zoeflow/zoeflow/errs"
)

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether data starts with the PDF magic bytes.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// ExtractText returns the text content of an uploaded payload. PDF
// bytes are extracted page by page with pages joined by blank lines;
// anything else is treated as UTF-8 text and returned unchanged.
func ExtractText(data []byte) (string, error) {
	if !IsPDF(data) {
		return string(data), nil
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "unreadable PDF payload", err)
	}

	numPages := reader.NumPage()
	var builder strings.Builder
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Keep going; a single damaged page should not sink the upload.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(text)
	}

	out := strings.TrimSpace(builder.String())
	if out == "" {
		return "", errs.New(errs.KindValidation, "no text content found in PDF")
	}
	return out, nil
}
