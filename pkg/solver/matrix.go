package solver

import (
	"fmt"
	"math"
)

// DefaultTolerance is the pivot/rank tolerance used when none is specified.
const DefaultTolerance = 1e-10

// Method selects the linear-system algorithm.
type Method string

const (
	// MethodGaussian is Gaussian elimination with partial pivoting
	MethodGaussian Method = "gaussian"
	// MethodLU is Doolittle LU decomposition with a unit-diagonal L
	MethodLU Method = "lu"
	// MethodQR is QR decomposition via Gram-Schmidt orthogonalization
	MethodQR Method = "qr"
)

// MatrixInput is the payload for matrix-solving tasks.
type MatrixInput struct {
	A         [][]float64 `json:"a"`
	B         []float64   `json:"b"`
	Method    Method      `json:"method,omitempty"`
	Tolerance float64     `json:"tolerance,omitempty"`
}

// MatrixResult carries the solution vector.
type MatrixResult struct {
	X      []float64 `json:"x"`
	Method Method    `json:"method"`
}

// Solve solves the square system Ax=b with the requested method. An empty
// method defaults to Gaussian elimination; a non-positive tolerance defaults
// to DefaultTolerance.
func Solve(a [][]float64, b []float64, method Method, tol float64) ([]float64, error) {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	if err := checkSquare(a, b); err != nil {
		return nil, err
	}

	switch method {
	case MethodGaussian, "":
		return solveGaussian(a, b, tol), nil
	case MethodLU:
		return solveLU(a, b, tol)
	case MethodQR:
		return solveQR(a, b, tol)
	default:
		return nil, fmt.Errorf("unknown solve method %q", method)
	}
}

func checkSquare(a [][]float64, b []float64) error {
	n := len(a)
	if n == 0 {
		return fmt.Errorf("empty matrix")
	}
	for i, row := range a {
		if len(row) != n {
			return fmt.Errorf("matrix is not square: row %d has %d columns, want %d", i, len(row), n)
		}
	}
	if len(b) != n {
		return fmt.Errorf("right-hand side has %d entries, want %d", len(b), n)
	}
	return nil
}

func cloneMatrix(a [][]float64) [][]float64 {
	m := make([][]float64, len(a))
	for i, row := range a {
		m[i] = append([]float64(nil), row...)
	}
	return m
}

// solveGaussian performs forward elimination with partial pivoting followed by
// back substitution. Columns whose best pivot falls below the tolerance are
// skipped, leaving that solution component zero.
func solveGaussian(a [][]float64, b []float64, tol float64) []float64 {
	n := len(a)
	m := cloneMatrix(a)
	rhs := append([]float64(nil), b...)

	pivotRow := make([]int, n)
	row := 0
	for col := 0; col < n; col++ {
		pivotRow[col] = -1
		if row >= n {
			continue
		}

		// largest-magnitude pivot at or below the current row
		max := row
		for r := row + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[max][col]) {
				max = r
			}
		}
		if math.Abs(m[max][col]) < tol {
			continue
		}

		m[row], m[max] = m[max], m[row]
		rhs[row], rhs[max] = rhs[max], rhs[row]

		for r := row + 1; r < n; r++ {
			f := m[r][col] / m[row][col]
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				m[r][c] -= f * m[row][c]
			}
			rhs[r] -= f * rhs[row]
		}

		pivotRow[col] = row
		row++
	}

	x := make([]float64, n)
	for col := n - 1; col >= 0; col-- {
		pr := pivotRow[col]
		if pr < 0 {
			continue
		}
		sum := rhs[pr]
		for c := col + 1; c < n; c++ {
			sum -= m[pr][c] * x[c]
		}
		x[col] = sum / m[pr][col]
	}
	return x
}

// solveLU factors A=LU with Doolittle's scheme (unit-diagonal L), then
// forward-solves Ly=b and back-solves Ux=y.
func solveLU(a [][]float64, b []float64, tol float64) ([]float64, error) {
	n := len(a)
	l := make([][]float64, n)
	u := make([][]float64, n)
	for i := 0; i < n; i++ {
		l[i] = make([]float64, n)
		u[i] = make([]float64, n)
		l[i][i] = 1
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum := a[i][j]
			for k := 0; k < i; k++ {
				sum -= l[i][k] * u[k][j]
			}
			u[i][j] = sum
		}
		if math.Abs(u[i][i]) < tol {
			return nil, fmt.Errorf("matrix is singular: zero pivot at row %d", i)
		}
		for j := i + 1; j < n; j++ {
			sum := a[j][i]
			for k := 0; k < i; k++ {
				sum -= l[j][k] * u[k][i]
			}
			l[j][i] = sum / u[i][i]
		}
	}

	y := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= l[i][k] * y[k]
		}
		y[i] = sum
	}

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := y[i]
		for k := i + 1; k < n; k++ {
			sum -= u[i][k] * x[k]
		}
		x[i] = sum / u[i][i]
	}
	return x, nil
}

// solveQR orthogonalizes the columns of A with modified Gram-Schmidt and
// back-solves Rx = Qᵀb.
func solveQR(a [][]float64, b []float64, tol float64) ([]float64, error) {
	n := len(a)
	q := make([][]float64, n) // q[j] is the j-th orthonormal column
	r := make([][]float64, n)
	for i := range r {
		r[i] = make([]float64, n)
	}

	for j := 0; j < n; j++ {
		v := make([]float64, n)
		for i := 0; i < n; i++ {
			v[i] = a[i][j]
		}
		for k := 0; k < j; k++ {
			r[k][j] = dot(q[k], v)
			for i := range v {
				v[i] -= r[k][j] * q[k][i]
			}
		}
		r[j][j] = norm(v)
		if r[j][j] < tol {
			return nil, fmt.Errorf("matrix is rank deficient: dependent column %d", j)
		}
		for i := range v {
			v[i] /= r[j][j]
		}
		q[j] = v
	}

	y := make([]float64, n)
	for j := 0; j < n; j++ {
		y[j] = dot(q[j], b)
	}

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := y[i]
		for k := i + 1; k < n; k++ {
			sum -= r[i][k] * x[k]
		}
		x[i] = sum / r[i][i]
	}
	return x, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}

// NullSpace returns one non-trivial solution of the homogeneous system Av=0.
// The matrix may be rectangular. It fails when A has full column rank.
func NullSpace(a [][]float64, tol float64) ([]float64, error) {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	m := len(a)
	if m == 0 || len(a[0]) == 0 {
		return nil, fmt.Errorf("empty matrix")
	}
	n := len(a[0])
	for i, row := range a {
		if len(row) != n {
			return nil, fmt.Errorf("ragged matrix: row %d has %d columns, want %d", i, len(row), n)
		}
	}

	// reduce to RREF
	r := cloneMatrix(a)
	var pivotCols []int
	row := 0
	for col := 0; col < n && row < m; col++ {
		max := row
		for i := row + 1; i < m; i++ {
			if math.Abs(r[i][col]) > math.Abs(r[max][col]) {
				max = i
			}
		}
		if math.Abs(r[max][col]) < tol {
			continue
		}
		r[row], r[max] = r[max], r[row]

		f := r[row][col]
		for c := col; c < n; c++ {
			r[row][c] /= f
		}
		for i := 0; i < m; i++ {
			if i == row {
				continue
			}
			f := r[i][col]
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				r[i][c] -= f * r[row][c]
			}
		}

		pivotCols = append(pivotCols, col)
		row++
	}

	isPivot := make(map[int]bool, len(pivotCols))
	for _, c := range pivotCols {
		isPivot[c] = true
	}
	free := -1
	for c := 0; c < n; c++ {
		if !isPivot[c] {
			free = c
			break
		}
	}
	if free < 0 {
		return nil, fmt.Errorf("system has full column rank: only the trivial solution exists")
	}

	// set the free variable to one and back out the pivot variables
	v := make([]float64, n)
	v[free] = 1
	for i, pc := range pivotCols {
		v[pc] = -r[i][free]
	}
	return v, nil
}
