package resources

import "github.com/google/uuid"

type ResourceType int

/** @brief Resource types tracked by the asset watcher. */
const (
	/** @brief Unrecognised file, ignored by the watcher. */
	ResourceTypeNone ResourceType = iota
	/** @brief Opaque binary blob. */
	ResourceTypeBinary
	/** @brief Compiled ray-tracing shader library. */
	ResourceTypeShaderLibrary
	/** @brief TOML runtime configuration. */
	ResourceTypeConfig
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeBinary:
		return "binary"
	case ResourceTypeShaderLibrary:
		return "shader-library"
	case ResourceTypeConfig:
		return "config"
	default:
		return "none"
	}
}

/**
 * @brief A generic structure for a resource. All resource loaders
 * load data into these.
 */
type Resource struct {
	/** @brief Unique per load, used to correlate reloads in the logs. */
	ID uuid.UUID
	/** @brief The name of the resource. */
	Name string
	/** @brief The full file path of the resource. */
	FullPath string
	Type     ResourceType
	/** @brief The size of the resource data in bytes. */
	DataSize uint64
	/** @brief The resource data. */
	Data []byte
}
