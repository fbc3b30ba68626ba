package viewer

import (
	"github.com/spaghettifunk/anima-rt/engine/math"
)

/**
 * @brief A left-handed look-at camera with a perspective projection.
 * The view-projection matrix is rebuilt lazily after any setter ran.
 */
type Camera struct {
	/** @brief The position of this camera. */
	Position math.Vec3
	/** @brief The point the camera looks at. */
	Target math.Vec3
	/** @brief The vertical field of view in radians. */
	FieldOfView float32
	Aspect      float32
	NearClip    float32
	FarClip     float32
	/** @brief Internal flag used to determine when the matrix needs to be rebuilt. */
	IsDirty bool

	viewProjection math.Mat4
}

func NewCamera(position, target math.Vec3, fovRadians, aspect, near, far float32) *Camera {
	return &Camera{
		Position:    position,
		Target:      target,
		FieldOfView: fovRadians,
		Aspect:      aspect,
		NearClip:    near,
		FarClip:     far,
		IsDirty:     true,
	}
}

func (c *Camera) SetPosition(position math.Vec3) {
	c.Position = position
	c.IsDirty = true
}

func (c *Camera) SetTarget(target math.Vec3) {
	c.Target = target
	c.IsDirty = true
}

func (c *Camera) SetAspect(aspect float32) {
	c.Aspect = aspect
	c.IsDirty = true
}

// ViewProjection returns view * projection for row vectors.
func (c *Camera) ViewProjection() math.Mat4 {
	if c.IsDirty {
		view := math.NewMat4LookAtLH(c.Position, c.Target, math.NewVec3Up())
		projection := math.NewMat4PerspectiveLH(c.FieldOfView, c.Aspect, c.NearClip, c.FarClip)
		c.viewProjection = view.Mul(projection)
		c.IsDirty = false
	}
	return c.viewProjection
}
