package math

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

/**
 * @brief a 4x4 matrix, typically used to represent object transformations.
 * Elements are stored column-major: the translation lives in Data[12..14].
 */
type Mat4 struct {
	/** @brief The matrix elements */
	Data [16]float32
}

/**
 * @brief a 3x4 row-major affine matrix, the layout ray-tracing instance
 * descriptors expect. Rows[r] holds the r-th row including its translation.
 */
type Mat3x4 struct {
	Rows [3][4]float32
}
