package vm

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Image writing
// ---------------------------------------------------------------------------

// EncodeImage serializes img in the format read by LoadImage. A build id
// is assigned when img has none.
func EncodeImage(img *Image) ([]byte, error) {
	if img.BuildID == uuid.Nil {
		img.BuildID = uuid.New()
	}
	body, err := cborEncMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	data := make([]byte, ImageHeaderSize+len(body))
	copy(data[0:4], ImageMagic[:])
	WriteUint32(data[4:], ImageVersion)
	WriteUint32(data[8:], img.Flags)
	WriteUint32(data[12:], uint32(len(body)))
	copy(data[ImageHeaderSize:], body)
	return data, nil
}

// SaveImage encodes img and writes it to path.
func SaveImage(img *Image, path string) error {
	data, err := EncodeImage(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
