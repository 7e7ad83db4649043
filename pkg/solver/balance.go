package solver

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// precisionFactor scales null-space components before the GCD reduction that
// turns them into integer coefficients. The normalization is a heuristic: it
// is not guaranteed exact for numerically ill-conditioned systems.
const precisionFactor = 1e6

// maxRoundingDrift is how far a normalized coefficient may sit from the
// nearest integer before the equation is declared unbalanceable.
const maxRoundingDrift = 0.1

// BalanceInput is the payload for equation-balancing tasks.
type BalanceInput struct {
	Reactants []string `json:"reactants"`
	Products  []string `json:"products"`
}

// BalanceResult carries integer coefficients in reactant-then-product order.
type BalanceResult struct {
	Coefficients []int  `json:"coefficients"`
	Equation     string `json:"equation"`
}

// BalanceEquation balances a chemical equation: it builds the conservation
// matrix (rows are elements, columns are species, reactant contributions
// positive and product contributions negative), extracts a null-space vector
// and normalizes it to the smallest positive integers. Element-inconsistent
// or unbalanceable inputs fail instead of producing a plausible wrong answer.
func BalanceEquation(in BalanceInput) (BalanceResult, error) {
	if len(in.Reactants) == 0 || len(in.Products) == 0 {
		return BalanceResult{}, fmt.Errorf("reaction needs at least one reactant and one product")
	}

	species := append(append([]string{}, in.Reactants...), in.Products...)
	counts := make([]map[string]int, len(species))
	elementSet := make(map[string]bool)
	for i, f := range species {
		c, err := CountElements(f)
		if err != nil {
			return BalanceResult{}, err
		}
		counts[i] = c
		for el := range c {
			elementSet[el] = true
		}
	}

	elements := make([]string, 0, len(elementSet))
	for el := range elementSet {
		elements = append(elements, el)
	}
	sort.Strings(elements)

	matrix := make([][]float64, len(elements))
	for r, el := range elements {
		matrix[r] = make([]float64, len(species))
		for c := range species {
			n := float64(counts[c][el])
			if c >= len(in.Reactants) {
				n = -n
			}
			matrix[r][c] = n
		}
	}

	v, err := NullSpace(matrix, DefaultTolerance)
	if err != nil {
		return BalanceResult{}, fmt.Errorf("equation cannot be balanced: %w", err)
	}

	coefs, err := normalizeCoefficients(v)
	if err != nil {
		return BalanceResult{}, fmt.Errorf("equation cannot be balanced: %w", err)
	}

	// conservation check with the final integer coefficients
	for r, el := range elements {
		var sum float64
		for c := range species {
			sum += matrix[r][c] * float64(coefs[c])
		}
		if math.Abs(sum) > 0.5 {
			return BalanceResult{}, fmt.Errorf("equation cannot be balanced: element %s is not conserved", el)
		}
	}

	return BalanceResult{
		Coefficients: coefs,
		Equation:     formatEquation(in, coefs),
	}, nil
}

// normalizeCoefficients converts a real null-space vector into the smallest
// positive integer coefficients: flip the sign so the vector is positive,
// rescale so the minimum non-zero magnitude is one, scale by the precision
// factor and GCD-reduce the rounded values. The reduced integers must
// reproduce the rescaled vector within the rounding drift.
func normalizeCoefficients(v []float64) ([]int, error) {
	// the conservation matrix signs make all components of a valid solution
	// share one sign; flip if the dominant component is negative
	var dominant float64
	for _, x := range v {
		if math.Abs(x) > math.Abs(dominant) {
			dominant = x
		}
	}
	if dominant == 0 {
		return nil, fmt.Errorf("degenerate null-space vector")
	}
	sign := 1.0
	if dominant < 0 {
		sign = -1
	}

	minNZ := math.Inf(1)
	minIdx := -1
	for i, x := range v {
		if a := math.Abs(x); a > 0 && a < minNZ {
			minNZ = a
			minIdx = i
		}
	}
	if minIdx < 0 {
		return nil, fmt.Errorf("degenerate null-space vector")
	}

	w := make([]float64, len(v))
	scaled := make([]int64, len(v))
	var g int64
	for i, x := range v {
		w[i] = sign * x / minNZ
		scaled[i] = int64(math.Round(w[i] * precisionFactor))
		if scaled[i] != 0 {
			g = gcd(g, abs64(scaled[i]))
		}
	}
	if g == 0 {
		return nil, fmt.Errorf("degenerate null-space vector")
	}

	coefs := make([]int, len(v))
	for i := range scaled {
		coefs[i] = int(scaled[i] / g)
	}

	ref := float64(coefs[minIdx]) // w[minIdx] is exactly one
	for i := range coefs {
		if math.Abs(w[i]*ref-float64(coefs[i])) > maxRoundingDrift {
			return nil, fmt.Errorf("no small integer coefficient ratio exists")
		}
		if coefs[i] <= 0 {
			return nil, fmt.Errorf("species %d would need a non-positive coefficient", i)
		}
	}
	return coefs, nil
}

func formatEquation(in BalanceInput, coefs []int) string {
	var sb strings.Builder
	write := func(formulas []string, offset int) {
		for i, f := range formulas {
			if i > 0 {
				sb.WriteString(" + ")
			}
			if c := coefs[offset+i]; c != 1 {
				fmt.Fprintf(&sb, "%d ", c)
			}
			sb.WriteString(f)
		}
	}
	write(in.Reactants, 0)
	sb.WriteString(" = ")
	write(in.Products, len(in.Reactants))
	return sb.String()
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
