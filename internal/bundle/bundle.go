// Package bundle reads a multi-image flashing bundle: a manifest file
// naming one or more address:image pairs, backed by an io/fs.FS so a zip
// archive (the distribution format) or a plain directory (for testing)
// serve identically (EspQtFirmwareLoad/firmwarerepository.cpp, spec.md
// §4.7).
package bundle

import (
	"bufio"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"espflash/internal/segment"
)

// ManifestName is the fixed manifest filename the original implementation
// looks up inside the bundle archive.
const ManifestName = "firmware_repository_fat.txt"

// firmwareOnlyPrefix marks images meant for the "firmware only" subset of
// a bundle (EspQtFirmwareLoad/firmwarerepository.cpp).
const firmwareOnlyPrefix = "user"

// Image names one manifest entry: a flash address and the file within the
// bundle holding its payload.
type Image struct {
	Address uint32
	Name    string
}

// Manifest is a parsed firmware_repository_fat.txt: an optional version
// comment followed by address:filename lines.
type Manifest struct {
	Version string
	Images  []Image
}

// ParseManifest parses the manifest grammar: the first line starting with
// '#' is the version comment; "hex-address:filename" lines are image
// entries; any other line is skipped. Entries are returned sorted by
// ascending address (EspQtFirmwareLoad/firmwarerepository.cpp).
func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if m.Version == "" {
				m.Version = strings.TrimSpace(strings.TrimPrefix(line, "#"))
			}
			continue
		}
		// Lines matching neither the version-comment nor the
		// address:filename grammar are ignored outright, not an error
		// (spec.md §4.7) — the manifest format tolerates stray lines.
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		addr, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 32)
		if err != nil {
			continue
		}
		m.Images = append(m.Images, Image{
			Address: uint32(addr),
			Name:    strings.TrimSpace(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotate(err, "scan manifest")
	}
	sort.Slice(m.Images, func(i, j int) bool { return m.Images[i].Address < m.Images[j].Address })
	return m, nil
}

// Bundle is a manifest plus the filesystem its images live in.
type Bundle struct {
	fsys     fs.FS
	Manifest *Manifest
}

// Load reads and parses the manifest at the root of fsys. Passing an
// *archive/zip.Reader satisfies fs.FS directly; a plain directory can be
// opened with os.DirFS for tests or local bundles.
func Load(fsys fs.FS) (*Bundle, error) {
	data, err := fs.ReadFile(fsys, ManifestName)
	if err != nil {
		return nil, errors.Annotatef(err, "read %s", ManifestName)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, errors.Annotate(err, "parse manifest")
	}
	return &Bundle{fsys: fsys, Manifest: manifest}, nil
}

// Segments reads every manifest image's bytes and returns them as
// address-ordered Segments, ready for flasher.Flasher.WriteSegments. When
// firmwareOnly is true, only images whose filename starts with "user" are
// included (EspQtFirmwareLoad/firmwarerepository.cpp's firmwareOnly
// filter, spec.md §9).
func (b *Bundle) Segments(firmwareOnly bool) ([]segment.Segment, error) {
	var segs []segment.Segment
	for _, img := range b.Manifest.Images {
		if firmwareOnly && !strings.HasPrefix(img.Name, firmwareOnlyPrefix) {
			continue
		}
		data, err := fs.ReadFile(b.fsys, img.Name)
		if err != nil {
			return nil, errors.Annotatef(err, "read image %s", img.Name)
		}
		segs = append(segs, segment.New(img.Address, data))
	}
	return segs, nil
}
