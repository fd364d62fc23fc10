package launch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildSeedISONoFilesIsNoop(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "seed.iso")
	if err := BuildSeedISO(nil, imagePath, "SEED"); err != nil {
		t.Fatalf("BuildSeedISO: %v", err)
	}
	if _, err := os.Stat(imagePath); !os.IsNotExist(err) {
		t.Fatalf("expected no image written for an empty file set, stat err=%v", err)
	}
}

func TestBuildSeedISOWritesImage(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "nested", "seed.iso")
	files := map[string]string{
		"meta-data": "instance-id: vm-a\n",
		"user-data": "#cloud-config\n",
	}

	if err := BuildSeedISO(files, imagePath, "CIDATA"); err != nil {
		t.Fatalf("BuildSeedISO: %v", err)
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		t.Fatalf("stat seed image: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty seed image")
	}
}
