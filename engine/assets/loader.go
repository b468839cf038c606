package assets

import "github.com/spaghettifunk/lumen/engine/resources"

type Loader interface {
	Load(path string, assetType resources.ResourceType) (*resources.Resource, error)
	Unload(*resources.Resource) error
}
