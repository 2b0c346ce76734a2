package asic

import (
	"fmt"

	"github.com/beevik/etree"
)

const nsManifest = "urn:oasis:names:tc:opendocument:xmlns:manifest:1.0"

func buildManifest(entries []entry) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	m := doc.CreateElement("manifest:manifest")
	m.CreateAttr("xmlns:manifest", nsManifest)
	m.CreateAttr("manifest:version", "1.2")

	root := m.CreateElement("manifest:file-entry")
	root.CreateAttr("manifest:full-path", "/")
	root.CreateAttr("manifest:media-type", MimeType)

	for _, e := range entries {
		fe := m.CreateElement("manifest:file-entry")
		fe.CreateAttr("manifest:full-path", e.name)
		fe.CreateAttr("manifest:media-type", e.mediaType)
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}

// checkManifest verifies that every listed entry is present.
func checkManifest(data []byte, contents map[string][]byte) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return err
	}
	root := doc.Root()
	if root == nil || root.Tag != "manifest" {
		return fmt.Errorf("missing manifest element")
	}
	for _, fe := range root.ChildElements() {
		if fe.Tag != "file-entry" {
			continue
		}
		p := fe.SelectAttrValue("manifest:full-path", "")
		if p == "" || p == "/" {
			continue
		}
		if _, ok := contents[p]; !ok {
			return fmt.Errorf("listed entry %s is missing", p)
		}
	}
	return nil
}
