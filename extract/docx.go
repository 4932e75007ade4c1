package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/lexreason/legalcore"
)

// docxText reads word/document.xml out of a Word document and emits one
// line per paragraph. Heading-styled paragraphs get a blank line on each
// side: contract section titles ("Payment Terms", "Termination") and
// statute hierarchy markers then sit on their own line, where the
// splitter's heading detection expects them.
func docxText(data []byte) (string, []string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, legalcore.Wrap(legalcore.KindInvalidInput, "opening DOCX", err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", nil, legalcore.New(legalcore.KindInvalidInput, "DOCX has no word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", nil, legalcore.Wrap(legalcore.KindInvalidInput, "reading document.xml", err)
	}
	defer rc.Close()

	paras, err := docxParagraphs(rc)
	if err != nil {
		return "", nil, legalcore.Wrap(legalcore.KindInvalidInput, "parsing document.xml", err)
	}

	var b strings.Builder
	for _, p := range paras {
		if p.heading && b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.text)
		b.WriteString("\n")
		if p.heading {
			b.WriteString("\n")
		}
	}
	return b.String(), nil, nil
}

type docxParagraph struct {
	text    string
	heading bool
}

// docxParagraphs walks document.xml's token stream collecting the text
// runs (<w:t>) of each paragraph (<w:p>) and whether its style
// (<w:pStyle w:val="...">) marks it as a heading or title. Tabs and
// in-paragraph breaks become whitespace; everything else (fields,
// drawings, bookmarks) is skipped.
func docxParagraphs(r io.Reader) ([]docxParagraph, error) {
	dec := xml.NewDecoder(r)

	var paras []docxParagraph
	var cur strings.Builder
	inParagraph := false
	inText := false
	heading := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "p":
				inParagraph = true
				heading = false
				cur.Reset()
			case "pStyle":
				for _, attr := range el.Attr {
					if attr.Name.Local == "val" && isHeadingStyle(attr.Value) {
						heading = true
					}
				}
			case "t":
				inText = true
			case "tab":
				if inParagraph {
					cur.WriteString("\t")
				}
			case "br":
				if inParagraph {
					cur.WriteString(" ")
				}
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				inParagraph = false
				if text := strings.TrimSpace(cur.String()); text != "" {
					paras = append(paras, docxParagraph{text: text, heading: heading})
				}
			}
		case xml.CharData:
			if inParagraph && inText {
				cur.Write(el)
			}
		}
	}
	return paras, nil
}

func isHeadingStyle(val string) bool {
	return strings.HasPrefix(val, "Heading") || val == "Title"
}
