package math

import (
	"github.com/chewxy/math32"
)

const (
	/** @brief An approximate representation of PI. */
	K_PI float32 = math32.Pi
	/** @brief An approximate representation of PI divided by 2. */
	K_HALF_PI float32 = 0.5 * K_PI
	/** @brief A multiplier used to convert degrees to radians. */
	K_DEG2RAD_MULTIPLIER float32 = K_PI / 180.0
	/** @brief Smallest positive number where 1.0 + FLOAT_EPSILON != 0 */
	K_FLOAT_EPSILON float32 = 1.192092896e-07
)

// DegToRad converts degrees to radians.
func DegToRad(degrees float32) float32 {
	return degrees * K_DEG2RAD_MULTIPLIER
}

// ------------------------------------------
// Vector 3
// ------------------------------------------

func NewVec3(x, y, z float32) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func NewVec3Zero() Vec3 {
	return Vec3{}
}

func NewVec3Up() Vec3 {
	return Vec3{0, 1, 0}
}

func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{v.X + other.X, v.Y + other.Y, v.Z + other.Z}
}

func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{v.X - other.X, v.Y - other.Y, v.Z - other.Z}
}

func (v Vec3) MulScalar(scalar float32) Vec3 {
	return Vec3{v.X * scalar, v.Y * scalar, v.Z * scalar}
}

func (v Vec3) Dot(other Vec3) float32 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

/**
 * @brief Calculates the cross product of v and other, a vector orthogonal
 * to both.
 */
func (v Vec3) Cross(other Vec3) Vec3 {
	return Vec3{
		v.Y*other.Z - v.Z*other.Y,
		v.Z*other.X - v.X*other.Z,
		v.X*other.Y - v.Y*other.X}
}

func (v Vec3) Length() float32 {
	return math32.Sqrt(v.Dot(v))
}

/**
 * @brief Returns a unit-length copy of v. The zero vector is returned
 * unchanged.
 */
func (v Vec3) Normalized() Vec3 {
	length := v.Length()
	if length == 0 {
		return v
	}
	return v.MulScalar(1.0 / length)
}

// MinComponents returns the component-wise minimum of v and other.
func (v Vec3) MinComponents(other Vec3) Vec3 {
	return Vec3{Min(v.X, other.X), Min(v.Y, other.Y), Min(v.Z, other.Z)}
}

// MaxComponents returns the component-wise maximum of v and other.
func (v Vec3) MaxComponents(other Vec3) Vec3 {
	return Vec3{Max(v.X, other.X), Max(v.Y, other.Y), Max(v.Z, other.Z)}
}

/**
 * @brief Compares all elements of v and other and ensures the difference
 * is less than tolerance.
 */
func (v Vec3) Compare(other Vec3, tolerance float32) bool {
	return math32.Abs(v.X-other.X) <= tolerance &&
		math32.Abs(v.Y-other.Y) <= tolerance &&
		math32.Abs(v.Z-other.Z) <= tolerance
}

// Axis returns the component at index 0 (X), 1 (Y) or 2 (Z).
func (v Vec3) Axis(i int) float32 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// ------------------------------------------
// Extents
// ------------------------------------------

// NewEmptyExtents returns inverted extents that any Grow call replaces.
func NewEmptyExtents() Extents3D {
	return Extents3D{
		Min: Vec3{math32.MaxFloat32, math32.MaxFloat32, math32.MaxFloat32},
		Max: Vec3{-math32.MaxFloat32, -math32.MaxFloat32, -math32.MaxFloat32},
	}
}

func (e Extents3D) Grow(p Vec3) Extents3D {
	return Extents3D{Min: e.Min.MinComponents(p), Max: e.Max.MaxComponents(p)}
}

func (e Extents3D) Union(other Extents3D) Extents3D {
	return Extents3D{Min: e.Min.MinComponents(other.Min), Max: e.Max.MaxComponents(other.Max)}
}

func (e Extents3D) Center() Vec3 {
	return e.Min.Add(e.Max).MulScalar(0.5)
}

// LongestAxis returns 0, 1 or 2 for the X, Y or Z side of the box.
func (e Extents3D) LongestAxis() int {
	d := e.Max.Sub(e.Min)
	if d.X >= d.Y && d.X >= d.Z {
		return 0
	}
	if d.Y >= d.Z {
		return 1
	}
	return 2
}

// ------------------------------------------
// Matrix 4x4
// ------------------------------------------

func NewMat4Identity() Mat4 {
	out_matrix := Mat4{}
	out_matrix.Data[0] = 1.0
	out_matrix.Data[5] = 1.0
	out_matrix.Data[10] = 1.0
	out_matrix.Data[15] = 1.0
	return out_matrix
}

/**
 * @brief Returns mt * other. With row vectors this applies mt first.
 */
func (mt Mat4) Mul(other Mat4) Mat4 {
	out_matrix := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			sum := float32(0)
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out_matrix.Data[row*4+col] = sum
		}
	}
	return out_matrix
}

// Transposed returns a copy of mt with rows and columns swapped.
func (mt Mat4) Transposed() Mat4 {
	out_matrix := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out_matrix.Data[col*4+row] = mt.Data[row*4+col]
		}
	}
	return out_matrix
}

/**
 * @brief Returns the affine part of mt as a 3x4 column-vector transform.
 * The translation row of mt becomes the fourth column.
 */
func (mt Mat4) ToMat3x4() Mat3x4 {
	out := Mat3x4{}
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			out.Data[row*4+col] = mt.Data[col*4+row]
		}
	}
	return out
}

func NewMat4Translation(position Vec3) Mat4 {
	out_matrix := NewMat4Identity()
	out_matrix.Data[12] = position.X
	out_matrix.Data[13] = position.Y
	out_matrix.Data[14] = position.Z
	return out_matrix
}

/**
 * @brief Returns a scale matrix using the provided scale.
 */
func NewMat4Scale(scale Vec3) Mat4 {
	out_matrix := NewMat4Identity()
	out_matrix.Data[0] = scale.X
	out_matrix.Data[5] = scale.Y
	out_matrix.Data[10] = scale.Z
	return out_matrix
}

/**
 * @brief Creates a rotation matrix around the y axis.
 *
 * @param angle_radians The y angle in radians.
 */
func NewMat4EulerY(angle_radians float32) Mat4 {
	out_matrix := NewMat4Identity()
	s, c := math32.Sincos(angle_radians)
	out_matrix.Data[0] = c
	out_matrix.Data[2] = -s
	out_matrix.Data[8] = s
	out_matrix.Data[10] = c
	return out_matrix
}

/**
 * @brief Creates a left-handed view matrix looking at target from position.
 */
func NewMat4LookAtLH(position, target, up Vec3) Mat4 {
	z_axis := target.Sub(position).Normalized()
	x_axis := up.Cross(z_axis).Normalized()
	y_axis := z_axis.Cross(x_axis)

	out_matrix := NewMat4Identity()
	out_matrix.Data[0] = x_axis.X
	out_matrix.Data[1] = y_axis.X
	out_matrix.Data[2] = z_axis.X
	out_matrix.Data[4] = x_axis.Y
	out_matrix.Data[5] = y_axis.Y
	out_matrix.Data[6] = z_axis.Y
	out_matrix.Data[8] = x_axis.Z
	out_matrix.Data[9] = y_axis.Z
	out_matrix.Data[10] = z_axis.Z
	out_matrix.Data[12] = -x_axis.Dot(position)
	out_matrix.Data[13] = -y_axis.Dot(position)
	out_matrix.Data[14] = -z_axis.Dot(position)
	return out_matrix
}

/**
 * @brief Creates a left-handed perspective matrix with depth mapped to [0, 1].
 *
 * @param fov_radians The vertical field of view in radians.
 * @param aspect_ratio The aspect ratio, width over height.
 * @param near_clip The near clipping plane distance.
 * @param far_clip The far clipping plane distance.
 */
func NewMat4PerspectiveLH(fov_radians, aspect_ratio, near_clip, far_clip float32) Mat4 {
	h := 1.0 / math32.Tan(fov_radians*0.5)
	depth := far_clip / (far_clip - near_clip)
	out_matrix := Mat4{}
	out_matrix.Data[0] = h / aspect_ratio
	out_matrix.Data[5] = h
	out_matrix.Data[10] = depth
	out_matrix.Data[11] = 1.0
	out_matrix.Data[14] = -depth * near_clip
	return out_matrix
}

// TransformPoint applies mt to p as a row vector with w = 1.
func (mt Mat4) TransformPoint(p Vec3) Vec3 {
	return Vec3{
		p.X*mt.Data[0] + p.Y*mt.Data[4] + p.Z*mt.Data[8] + mt.Data[12],
		p.X*mt.Data[1] + p.Y*mt.Data[5] + p.Z*mt.Data[9] + mt.Data[13],
		p.X*mt.Data[2] + p.Y*mt.Data[6] + p.Z*mt.Data[10] + mt.Data[14],
	}
}

// ------------------------------------------
// Matrix 3x4
// ------------------------------------------

func NewMat3x4Identity() Mat3x4 {
	return Mat3x4{Data: [12]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}}
}

// TransformPoint applies m to p as a column vector with w = 1.
func (m Mat3x4) TransformPoint(p Vec3) Vec3 {
	d := m.Data
	return Vec3{
		d[0]*p.X + d[1]*p.Y + d[2]*p.Z + d[3],
		d[4]*p.X + d[5]*p.Y + d[6]*p.Z + d[7],
		d[8]*p.X + d[9]*p.Y + d[10]*p.Z + d[11],
	}
}

// TransformExtents returns the box bounding all eight transformed corners of e.
func (m Mat3x4) TransformExtents(e Extents3D) Extents3D {
	out := NewEmptyExtents()
	for i := 0; i < 8; i++ {
		corner := Vec3{e.Min.X, e.Min.Y, e.Min.Z}
		if i&1 != 0 {
			corner.X = e.Max.X
		}
		if i&2 != 0 {
			corner.Y = e.Max.Y
		}
		if i&4 != 0 {
			corner.Z = e.Max.Z
		}
		out = out.Grow(m.TransformPoint(corner))
	}
	return out
}

// Inverse returns the inverse of the affine transform m. It reports false
// when the linear part is singular.
func (m Mat3x4) Inverse() (Mat3x4, bool) {
	d := m.Data
	a, b, c := d[0], d[1], d[2]
	e, f, g := d[4], d[5], d[6]
	h, i, j := d[8], d[9], d[10]

	c00 := f*j - g*i
	c01 := g*h - e*j
	c02 := e*i - f*h
	det := a*c00 + b*c01 + c*c02
	if math32.Abs(det) < K_FLOAT_EPSILON {
		return Mat3x4{}, false
	}
	inv := 1.0 / det

	out := Mat3x4{}
	out.Data[0] = c00 * inv
	out.Data[1] = (c*i - b*j) * inv
	out.Data[2] = (b*g - c*f) * inv
	out.Data[4] = c01 * inv
	out.Data[5] = (a*j - c*h) * inv
	out.Data[6] = (c*e - a*g) * inv
	out.Data[8] = c02 * inv
	out.Data[9] = (b*h - a*i) * inv
	out.Data[10] = (a*f - b*e) * inv

	t := Vec3{d[3], d[7], d[11]}
	out.Data[3] = -(out.Data[0]*t.X + out.Data[1]*t.Y + out.Data[2]*t.Z)
	out.Data[7] = -(out.Data[4]*t.X + out.Data[5]*t.Y + out.Data[6]*t.Z)
	out.Data[11] = -(out.Data[8]*t.X + out.Data[9]*t.Y + out.Data[10]*t.Z)
	return out, true
}

// TransformDirection applies the linear part of m to v.
func (m Mat3x4) TransformDirection(v Vec3) Vec3 {
	d := m.Data
	return Vec3{
		d[0]*v.X + d[1]*v.Y + d[2]*v.Z,
		d[4]*v.X + d[5]*v.Y + d[6]*v.Z,
		d[8]*v.X + d[9]*v.Y + d[10]*v.Z,
	}
}
