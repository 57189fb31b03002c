package geometry

import "math"

// Rect returns the corners of a w x h rectangle at the origin in
// counter-clockwise order.
func Rect(w, h float64) []Point2D {
	return []Point2D{{0, 0}, {w, 0}, {w, h}, {0, h}}
}

// MapPolygon maps every vertex through h. ok is false when a vertex lands
// on the line at infinity or the result is no longer convex.
func MapPolygon(h Homography, polygon []Point2D) ([]Point2D, bool) {
	out := make([]Point2D, len(polygon))
	for i, p := range polygon {
		q, ok := h.Apply(p)
		if !ok {
			return nil, false
		}
		out[i] = q
	}
	if !IsConvex(out) {
		return nil, false
	}
	return EnsureCCW(out), true
}

// SignedArea is the shoelace area; positive for counter-clockwise order.
func SignedArea(polygon []Point2D) float64 {
	var a float64
	n := len(polygon)
	for i := 0; i < n; i++ {
		p, q := polygon[i], polygon[(i+1)%n]
		a += p.X*q.Y - q.X*p.Y
	}
	return a / 2
}

// Area returns the unsigned polygon area.
func Area(polygon []Point2D) float64 {
	return math.Abs(SignedArea(polygon))
}

// EnsureCCW returns polygon in counter-clockwise order, reversing a copy
// when needed.
func EnsureCCW(polygon []Point2D) []Point2D {
	if SignedArea(polygon) >= 0 {
		return polygon
	}
	out := make([]Point2D, len(polygon))
	for i, p := range polygon {
		out[len(polygon)-1-i] = p
	}
	return out
}

// IsConvex reports whether the vertices of a simple polygon turn the same
// way everywhere. Collinear runs are allowed.
func IsConvex(polygon []Point2D) bool {
	if len(polygon) < 3 {
		return false
	}

	n := len(polygon)
	var sign int
	for i := 0; i < n; i++ {
		cross := crossProduct(polygon[i], polygon[(i+1)%n], polygon[(i+2)%n])
		if cross == 0 {
			continue
		}
		s := 1
		if cross < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return sign != 0
}

// IntersectPolygons clips subject against clip (Sutherland-Hodgman). Both
// must be convex and counter-clockwise. nil means no overlap.
func IntersectPolygons(subject, clip []Point2D) []Point2D {
	if len(subject) < 3 || len(clip) < 3 {
		return nil
	}

	out := append([]Point2D(nil), subject...)
	for i := range clip {
		if len(out) == 0 {
			return nil
		}
		out = clipByEdge(out, clip[i], clip[(i+1)%len(clip)])
	}
	if len(out) < 3 {
		return nil
	}
	return out
}

func clipByEdge(polygon []Point2D, a, b Point2D) []Point2D {
	var out []Point2D
	for i := range polygon {
		cur, next := polygon[i], polygon[(i+1)%len(polygon)]
		curIn, nextIn := leftOf(cur, a, b), leftOf(next, a, b)

		switch {
		case curIn && nextIn:
			out = append(out, cur)
		case curIn:
			out = append(out, cur)
			if p, ok := lineIntersection(cur, next, a, b); ok {
				out = append(out, p)
			}
		case nextIn:
			if p, ok := lineIntersection(cur, next, a, b); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// leftOf reports whether p is on or left of the directed line a->b.
func leftOf(p, a, b Point2D) bool {
	return (b.X-a.X)*(p.Y-a.Y)-(b.Y-a.Y)*(p.X-a.X) >= 0
}

// lineIntersection intersects the line through p1,p2 with the line
// through e1,e2. ok is false for parallel lines.
func lineIntersection(p1, p2, e1, e2 Point2D) (Point2D, bool) {
	denom := (p1.X-p2.X)*(e1.Y-e2.Y) - (p1.Y-p2.Y)*(e1.X-e2.X)
	if math.Abs(denom) < 1e-10 {
		return Point2D{}, false
	}
	t := ((p1.X-e1.X)*(e1.Y-e2.Y) - (p1.Y-e1.Y)*(e1.X-e2.X)) / denom
	return Point2D{X: p1.X + t*(p2.X-p1.X), Y: p1.Y + t*(p2.Y-p1.Y)}, true
}

func crossProduct(o, a, b Point2D) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}
