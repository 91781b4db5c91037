package registry

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

// FormatVersion is the XML document's format_version attribute. Bumped only
// when the on-disk layout itself changes, independent of the table's own
// content version.
const FormatVersion = 1

// ErrUnknownFormatVersion is returned by ParseFromXML for a format_version
// newer than this implementation understands. A missing attribute (zero
// value) is legacy format 1, not an error.
var ErrUnknownFormatVersion = errors.New("registry: unknown export list format_version")

// xmlDocument mirrors the <exportlist> document described in the wire
// format: one element per export, filters nested under iSCSI exports.
type xmlDocument struct {
	XMLName       xml.Name    `xml:"exportlist"`
	FormatVersion int         `xml:"format_version,attr"`
	Version       uint64      `xml:"version,attr"`
	Exports       []xmlExport `xml:"export"`
}

type xmlExport struct {
	UUID     string      `xml:"uuid,attr"`
	Type     string      `xml:"type,attr"`
	Readonly bool        `xml:"readonly,attr"`
	Path     string      `xml:"path,attr,omitempty"`
	LUN      *uint64     `xml:"lun,attr,omitempty"`
	Policy   string      `xml:"filter_policy,attr,omitempty"`
	Filters  []xmlFilter `xml:"filter"`
}

type xmlFilter struct {
	IQN    string `xml:"iqn,attr"`
	Policy string `xml:"policy,attr"`
}

func typeToString(t export.Type) string {
	switch t {
	case export.Bdev:
		return "bdev"
	case export.Iscsi:
		return "iscsi"
	default:
		return "invalid"
	}
}

func typeFromString(s string) (export.Type, error) {
	switch s {
	case "bdev":
		return export.Bdev, nil
	case "iscsi":
		return export.Iscsi, nil
	default:
		return export.TypeInvalid, fmt.Errorf("registry: unknown export type %q", s)
	}
}

// toXMLLocked renders the table's current content as an xmlDocument; the
// caller must hold t.mu (either mode).
func (t *Table) toXMLLocked() xmlDocument {
	doc := xmlDocument{FormatVersion: FormatVersion, Version: t.version}
	for _, adm := range t.entries {
		e := adm.Export
		xe := xmlExport{
			UUID:     e.UUID().String(),
			Type:     typeToString(e.Type()),
			Readonly: e.IsReadonly(),
		}
		switch e.Type() {
		case export.Bdev:
			xe.Path = e.BdevPath()
		case export.Iscsi:
			lun := e.IscsiLUN()
			xe.LUN = &lun
			xe.Policy = e.FilterPolicy().PolicyToString()
			for _, f := range e.Filters() {
				xe.Filters = append(xe.Filters, xmlFilter{
					IQN:    f.Pattern.String(),
					Policy: f.Policy.PolicyToString(),
				})
			}
		}
		doc.Exports = append(doc.Exports, xe)
	}
	return doc
}

// SerializeToXML renders the table as its canonical XML document.
func (t *Table) SerializeToXML() ([]byte, error) {
	t.mu.RLock()
	doc := t.toXMLLocked()
	t.mu.RUnlock()
	return marshalDocument(doc)
}

func marshalDocument(doc xmlDocument) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// parseOneExport converts a single xmlExport into an Export, or an error if
// the element itself is malformed or names an invariant-violating value
// (unknown type, invalid LUN, ...).
func parseOneExport(xe xmlExport) (*export.Export, error) {
	uuid, err := wire.ParseUUID(xe.UUID)
	if err != nil {
		return nil, fmt.Errorf("uuid: %w", err)
	}
	typ, err := typeFromString(xe.Type)
	if err != nil {
		return nil, err
	}
	var e *export.Export
	switch typ {
	case export.Bdev:
		e, err = export.NewBdev(uuid, xe.Path)
	case export.Iscsi:
		lun := wire.NoLUN
		if xe.LUN != nil {
			lun = *xe.LUN
		}
		policy := wire.PolicyFromString(xe.Policy)
		e, err = export.NewIscsi(uuid, lun, policy)
		if err == nil {
			for _, xf := range xe.Filters {
				iqn, ferr := wire.FromString(xf.IQN)
				if ferr != nil {
					err = ferr
					break
				}
				if aerr := e.AddIqnFilter(iqn, wire.PolicyFromString(xf.Policy)); aerr != nil {
					err = aerr
					break
				}
			}
		}
	}
	if err != nil {
		return nil, err
	}
	e.SetReadonly(xe.Readonly)
	return e, nil
}

// ParseFromXML replaces the table's content with what data describes. The
// table's version is taken from the document, not bumped.
//
// The parser is tolerant of a broken <export> element: that element is
// logged and skipped rather than failing the whole document, and
// previously-parsed exports are kept. A missing format_version attribute
// is legacy format 1; a present-but-unrecognized one is fatal
// (ErrUnknownFormatVersion).
func (t *Table) ParseFromXML(data []byte) error {
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parse export list: %w", err)
	}
	if doc.FormatVersion != 0 && doc.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnknownFormatVersion, doc.FormatVersion)
	}

	entries := make([]*AdmExport, 0, len(doc.Exports))
	skipped := 0
	for _, xe := range doc.Exports {
		e, err := parseOneExport(xe)
		if err != nil {
			skipped++
			logrus.Warnf("registry: skipping unparsable export %q: %v", xe.UUID, err)
			continue
		}
		entries = append(entries, &AdmExport{Export: e, Published: false})
	}
	if skipped > 0 {
		logrus.Warnf("registry: partial parse of export list: skipped %d, kept %d", skipped, len(entries))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	t.version = doc.Version
	return nil
}

// WriteExportsFile atomically writes a rendered export list to path,
// writing to a temp file and renaming over it so a crash never leaves a
// truncated registry file on disk. It is also the persister callback shape
// SetPersister expects, curried over the path.
func WriteExportsFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("registry: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// SerializeToDisk renders the table and writes it to path atomically.
func (t *Table) SerializeToDisk(path string) error {
	data, err := t.SerializeToXML()
	if err != nil {
		return err
	}
	return WriteExportsFile(path, data)
}

// DeserializeFromDisk loads path into the table. A missing file is not an
// error: it leaves the table empty at version 1, the bootstrap case for a
// brand new cluster.
func (t *Table) DeserializeFromDisk(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read %s: %w", path, err)
	}
	return t.ParseFromXML(data)
}
