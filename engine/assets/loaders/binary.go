package loaders

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spaghettifunk/lumen/engine/resources"
)

type BinaryLoader struct{}

func (bl *BinaryLoader) Load(path string, assetType resources.ResourceType) (*resources.Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("resource %s is empty", path)
	}

	return &resources.Resource{
		ID:       uuid.New(),
		Name:     filepath.Base(path),
		FullPath: path,
		Type:     assetType,
		DataSize: uint64(len(buf)),
		Data:     buf,
	}, nil
}

func (bl *BinaryLoader) Unload(res *resources.Resource) error {
	res.Data = nil
	res.DataSize = 0
	return nil
}
