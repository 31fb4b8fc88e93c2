package engine

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"strconv"

	"photo-engine/internal/logging"
)

// SidecarData is the user-editable metadata stored alongside an original
// in its XMP sidecar.
type SidecarData struct {
	Rating int
	Tags   []string
}

// SidecarCodec converts sidecar metadata to and from its on-disk form.
type SidecarCodec interface {
	Encode(data SidecarData) ([]byte, error)
	Decode(raw []byte) (SidecarData, error)
}

// XMPCodec reads and writes a minimal XMP packet carrying xmp:Rating and
// dc:subject. Unknown properties in existing sidecars are ignored on
// read and not preserved on write.
type XMPCodec struct{}

const xmpHeader = `<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description xmlns:xmp="http://ns.adobe.com/xap/1.0/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmp:Rating="%d">`

const xmpFooter = `  </rdf:Description>
 </rdf:RDF>
</x:xmpmeta>
`

// Encode renders the XMP packet.
func (XMPCodec) Encode(data SidecarData) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, xmpHeader, data.Rating)
	buf.WriteByte('\n')

	if len(data.Tags) > 0 {
		buf.WriteString("   <dc:subject>\n    <rdf:Bag>\n")
		for _, tag := range data.Tags {
			var escaped bytes.Buffer
			if err := xml.EscapeText(&escaped, []byte(tag)); err != nil {
				return nil, fmt.Errorf("failed to escape tag %q: %w", tag, err)
			}
			fmt.Fprintf(&buf, "     <rdf:li>%s</rdf:li>\n", escaped.String())
		}
		buf.WriteString("    </rdf:Bag>\n   </dc:subject>\n")
	}

	buf.WriteString(xmpFooter)
	return buf.Bytes(), nil
}

// xmpDocument matches by local element name, so packets written by other
// tools with different namespace prefixes still parse.
type xmpDocument struct {
	Description struct {
		Rating  string   `xml:"Rating,attr"`
		Subject []string `xml:"subject>Bag>li"`
	} `xml:"RDF>Description"`
}

// Decode parses an XMP packet.
func (XMPCodec) Decode(raw []byte) (SidecarData, error) {
	var doc xmpDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return SidecarData{}, fmt.Errorf("failed to parse sidecar: %w", err)
	}

	var data SidecarData
	if doc.Description.Rating != "" {
		rating, err := strconv.Atoi(doc.Description.Rating)
		if err != nil {
			logging.Debug("Ignoring non-numeric xmp:Rating %q", doc.Description.Rating)
		} else {
			data.Rating = rating
		}
	}
	data.Tags = doc.Description.Subject
	return data, nil
}

// SaveSidecar writes metadata for an original to its sidecar path.
func (e *Engine) SaveSidecar(original string, data SidecarData) error {
	path, err := e.store.SidecarPath(original)
	if err != nil {
		return err
	}
	raw, err := e.sidecars.Encode(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads metadata for an original. A missing sidecar returns
// fs.ErrNotExist wrapped, with zero data.
func (e *Engine) ReadSidecar(original string) (SidecarData, error) {
	path, err := e.store.SidecarPath(original)
	if err != nil {
		return SidecarData{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return SidecarData{}, err
	}
	return e.sidecars.Decode(raw)
}
