package bundle

import (
	"testing"
	"testing/fstest"
)

func TestParseManifestVersionAndOrdering(t *testing.T) {
	raw := []byte("# v1.2.3\n" +
		"1000:app.bin\n" +
		"0:boot.bin\n" +
		"3F000:user2.bin\n")
	m, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Version != "v1.2.3" {
		t.Fatalf("version = %q, want v1.2.3", m.Version)
	}
	if len(m.Images) != 3 {
		t.Fatalf("got %d images, want 3", len(m.Images))
	}
	if m.Images[0].Address != 0 || m.Images[0].Name != "boot.bin" {
		t.Fatalf("images not sorted by address: %+v", m.Images)
	}
	if m.Images[2].Address != 0x3F000 {
		t.Fatalf("last image address = %#x, want 0x3F000", m.Images[2].Address)
	}
}

// TestParseManifestIgnoresMalformedLines checks spec.md §4.7: lines
// matching neither the version-comment nor address:filename grammar are
// silently ignored, not treated as parse errors.
func TestParseManifestIgnoresMalformedLines(t *testing.T) {
	m, err := ParseManifest([]byte(
		"not-a-valid-line\n" +
			"also not valid\n" +
			"zzzz:bad-hex-address.bin\n" +
			"1000:app.bin\n",
	))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Images) != 1 || m.Images[0].Address != 0x1000 || m.Images[0].Name != "app.bin" {
		t.Fatalf("expected only the one valid entry to survive, got %+v", m.Images)
	}
}

func TestLoadAndSegmentsFiltersFirmwareOnly(t *testing.T) {
	fsys := fstest.MapFS{
		ManifestName: &fstest.MapFile{Data: []byte(
			"# v1\n" +
				"0:boot.bin\n" +
				"10000:user1.bin\n" +
				"20000:user2.bin\n",
		)},
		"boot.bin":  &fstest.MapFile{Data: []byte{0x01, 0x02}},
		"user1.bin": &fstest.MapFile{Data: []byte{0x03}},
		"user2.bin": &fstest.MapFile{Data: []byte{0x04, 0x05, 0x06}},
	}

	b, err := Load(fsys)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	all, err := b.Segments(false)
	if err != nil {
		t.Fatalf("Segments(false): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d segments, want 3", len(all))
	}

	firmwareOnly, err := b.Segments(true)
	if err != nil {
		t.Fatalf("Segments(true): %v", err)
	}
	if len(firmwareOnly) != 2 {
		t.Fatalf("got %d firmware-only segments, want 2", len(firmwareOnly))
	}
	for _, s := range firmwareOnly {
		if s.Address == 0 {
			t.Fatal("boot.bin should have been filtered out")
		}
	}
}

func TestLoadMissingManifestErrors(t *testing.T) {
	fsys := fstest.MapFS{}
	if _, err := Load(fsys); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}
