package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHomographyApplyAndCompose(t *testing.T) {
	h := Translation(3, -2)
	p, ok := h.Apply(NewPoint2D(1, 1))
	require.True(t, ok)
	assert.Equal(t, NewPoint2D(4, -1), p)

	back, ok := h.Inverse()
	require.True(t, ok)
	assert.True(t, back.Compose(h).ApproxEqual(Identity(), 1e-12))

	scaled := Homography{2, 0, 0, 0, 2, 0, 0, 0, 2}
	assert.True(t, scaled.ApproxEqual(Identity(), 1e-12), "scale-equivalent")
}

func TestHomographyDegenerate(t *testing.T) {
	var zero Homography
	_, ok := zero.Inverse()
	assert.False(t, ok)

	_, ok = Homography{1, 0, 0, 0, 1, 0, 1, 0, 0}.Apply(NewPoint2D(0, 5))
	assert.False(t, ok, "point at infinity")

	assert.True(t, math.IsInf(Homography{1, 0, 0, 0, 1, 0, 1, 0, 0}.ReprojectionError(Point2D{}, Point2D{}), 1))

	bad := Identity()
	bad[4] = math.NaN()
	assert.False(t, bad.IsFinite())
}

func TestCentroidAndCollinear(t *testing.T) {
	c := Centroid([]Point2D{{0, 0}, {2, 0}, {2, 2}, {0, 2}})
	assert.Equal(t, NewPoint2D(1, 1), c)
	assert.Equal(t, Point2D{}, Centroid(nil))

	assert.True(t, Collinear(Point2D{0, 0}, Point2D{1, 1}, Point2D{5, 5}, 1e-9))
	assert.False(t, Collinear(Point2D{0, 0}, Point2D{1, 0}, Point2D{0, 1}, 1e-9))
}
