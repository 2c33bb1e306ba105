// CLAUDE:SUMMARY Hand-built PDF writer: catalog/pages/font/info objects, Tj content streams, exact xref.
package export

import (
	"bytes"
	"fmt"
	"strings"
)

// US letter, one-inch margins.
const (
	pageWidthPts  = 612
	pageHeightPts = 792
	marginPts     = 72
)

// sheet is one physical PDF page after layout.
type sheet struct {
	heading string
	lines   []string
}

// paginate wraps one logical page's body and splits it across sheets.
// Continuation sheets repeat the heading with a "(cont.)" suffix.
func (e *Exporter) paginate(pg Page) []sheet {
	// Heading plus a blank line take two slots.
	perSheet := (pageHeightPts-2*marginPts)/e.cfg.LineHeight - 2
	if perSheet < 1 {
		perSheet = 1
	}

	lines := wrapText(pg.Body, e.cfg.WrapWidth)
	if len(lines) == 0 {
		return []sheet{{heading: pg.Heading}}
	}

	var out []sheet
	for start := 0; start < len(lines); start += perSheet {
		end := start + perSheet
		if end > len(lines) {
			end = len(lines)
		}
		heading := pg.Heading
		if start > 0 {
			heading += " (cont.)"
		}
		out = append(out, sheet{heading: heading, lines: lines[start:end]})
	}
	return out
}

// wrapText splits body text into lines at most width characters wide,
// breaking on spaces and hard-splitting words longer than a line.
func wrapText(body string, width int) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")

	var out []string
	for _, raw := range strings.Split(body, "\n") {
		raw = strings.TrimRight(raw, " \t")
		if strings.TrimSpace(raw) == "" {
			if len(out) > 0 || raw != "" {
				out = append(out, "")
			}
			continue
		}

		line := ""
		for _, word := range strings.Fields(raw) {
			for len(word) > width {
				if line != "" {
					out = append(out, line)
					line = ""
				}
				out = append(out, word[:width])
				word = word[width:]
			}
			switch {
			case line == "":
				line = word
			case len(line)+1+len(word) <= width:
				line += " " + word
			default:
				out = append(out, line)
				line = word
			}
		}
		if line != "" {
			out = append(out, line)
		}
	}

	// Trim leading and trailing blank lines left by the split.
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// buildPDF writes the document: catalog, page tree, shared Helvetica font,
// info dictionary, one page and content stream pair per sheet, and an xref
// table with exact byte offsets.
func buildPDF(title string, cfg Config, sheets []sheet) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")

	lastObj := 4 + 2*len(sheets)
	offsets := make([]int, lastObj+1)

	writeObj := func(num int, body string) {
		offsets[num] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", num, body)
	}

	kids := make([]string, len(sheets))
	for i := range sheets {
		kids[i] = fmt.Sprintf("%d 0 R", 5+2*i)
	}

	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>",
		strings.Join(kids, " "), len(sheets)))
	writeObj(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	writeObj(4, fmt.Sprintf("<< /Title (%s) /Producer (esquisse) >>", escapePDF(title)))

	for i, sh := range sheets {
		pageObj := 5 + 2*i
		contentObj := pageObj + 1

		writeObj(pageObj, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Contents %d 0 R /Resources << /Font << /F1 3 0 R >> >> >>",
			pageWidthPts, pageHeightPts, contentObj))

		stream := contentStream(cfg, sh)
		offsets[contentObj] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n",
			contentObj, len(stream), stream)
	}

	xrefOffset := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", lastObj+1)
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= lastObj; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R /Info 4 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		lastObj+1, xrefOffset)

	return b.Bytes()
}

// contentStream emits the text operators for one sheet: heading, blank line,
// then body lines advanced with T* under a fixed leading.
func contentStream(cfg Config, sh sheet) string {
	var sb strings.Builder
	sb.WriteString("BT\n")
	fmt.Fprintf(&sb, "/F1 %d Tf\n", cfg.FontSize)
	fmt.Fprintf(&sb, "%d TL\n", cfg.LineHeight)
	fmt.Fprintf(&sb, "%d %d Td\n", marginPts, pageHeightPts-marginPts)
	fmt.Fprintf(&sb, "(%s) Tj\n", escapePDF(sh.heading))
	sb.WriteString("T*\nT*\n")
	for _, line := range sh.lines {
		fmt.Fprintf(&sb, "(%s) Tj\nT*\n", escapePDF(line))
	}
	sb.WriteString("ET")
	return sb.String()
}

// escapePDF makes a string safe inside PDF parentheses: escapes backslashes
// and parens, drops control characters, and maps runes outside WinAnsi's
// byte range to '?'.
func escapePDF(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r == '\\':
			sb.WriteString(`\\`)
		case r == '(':
			sb.WriteString(`\(`)
		case r == ')':
			sb.WriteString(`\)`)
		case r == '\t':
			sb.WriteByte(' ')
		case r < 0x20:
			// Control characters have no place in a text line.
		case r <= 0xff:
			sb.WriteByte(byte(r))
		default:
			sb.WriteByte('?')
		}
	}
	return sb.String()
}
