package firmware

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadThreadDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.yaml")

	contents := `
network_key: "00112233445566778899aabbccddeeff"
network_name: "test-mesh"
pan_id: 4660
channel: 20
channel_mask: 134215680
extended_pan_id: "dead00beef00cafe"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := LoadThreadDataset(path)
	if err != nil {
		t.Fatalf("LoadThreadDataset: %v", err)
	}

	want := ThreadDataset{
		NetworkKey:    "00112233445566778899aabbccddeeff",
		NetworkName:   "test-mesh",
		PANID:         0x1234,
		Channel:       20,
		ChannelMask:   0x07fff800,
		ExtendedPANID: "dead00beef00cafe",
	}
	if got != want {
		t.Fatalf("LoadThreadDataset = %+v, want %+v", got, want)
	}
}

func TestLoadThreadDatasetMissingFile(t *testing.T) {
	if _, err := LoadThreadDataset(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing dataset file")
	}
}
