package launch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
)

// BuildSeedISO stages files into a temporary directory and writes them out
// as an ISO9660 image at imagePath, for create requests that carry
// guest-visible setup files. Used only when a create request's
// CreatePayload.SetupFiles is non-empty.
func BuildSeedISO(files map[string]string, imagePath, volumeLabel string) error {
	if len(files) == 0 {
		return nil
	}

	stageDir, err := os.MkdirTemp("", "vmmd-seed-*")
	if err != nil {
		return fmt.Errorf("create seed staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	for name, content := range files {
		path := filepath.Join(stageDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("stage seed directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("stage seed file %s: %w", name, err)
		}
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(stageDir, "/"); err != nil {
		return fmt.Errorf("stage seed directory into iso: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure seed image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create seed image: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		os.Remove(imagePath)
		return fmt.Errorf("write seed iso: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(imagePath)
		return fmt.Errorf("finalize seed iso: %w", err)
	}
	return nil
}
