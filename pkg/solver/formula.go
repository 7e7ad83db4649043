// Package solver implements the numerical kernels executed inside workers:
// linear-system solving, chemical equation balancing, and the element-counting
// primitives the chemistry kernels are composed of.
package solver

import (
	"fmt"
	"strconv"
	"strings"
)

// atomicWeights maps element symbols to standard atomic weights in g/mol.
var atomicWeights = map[string]float64{
	"H": 1.008, "He": 4.0026,
	"Li": 6.94, "Be": 9.0122, "B": 10.81, "C": 12.011, "N": 14.007,
	"O": 15.999, "F": 18.998, "Ne": 20.180,
	"Na": 22.990, "Mg": 24.305, "Al": 26.982, "Si": 28.085, "P": 30.974,
	"S": 32.06, "Cl": 35.45, "Ar": 39.948,
	"K": 39.098, "Ca": 40.078, "Ti": 47.867, "Cr": 51.996, "Mn": 54.938,
	"Fe": 55.845, "Co": 58.933, "Ni": 58.693, "Cu": 63.546, "Zn": 65.38,
	"Br": 79.904, "Ag": 107.87, "Sn": 118.71, "I": 126.90, "Ba": 137.33,
	"Pt": 195.08, "Au": 196.97, "Hg": 200.59, "Pb": 207.2,
}

// CountElements parses a chemical formula and returns per-element atom counts.
// Nested groups in parentheses or brackets are supported, e.g. Ca(OH)2 or
// K4[Fe(CN)6].
func CountElements(formula string) (map[string]int, error) {
	s := strings.TrimSpace(formula)
	if s == "" {
		return nil, fmt.Errorf("empty formula")
	}

	stack := []map[string]int{make(map[string]int)}

	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '(' || c == '[':
			stack = append(stack, make(map[string]int))
			i++

		case c == ')' || c == ']':
			if len(stack) == 1 {
				return nil, fmt.Errorf("unbalanced group in formula %q", formula)
			}
			group := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n, next := readCount(s, i+1)
			top := stack[len(stack)-1]
			for el, cnt := range group {
				top[el] += cnt * n
			}
			i = next

		case c >= 'A' && c <= 'Z':
			j := i + 1
			if j < len(s) && s[j] >= 'a' && s[j] <= 'z' {
				j++
			}
			el := s[i:j]
			n, next := readCount(s, j)
			stack[len(stack)-1][el] += n
			i = next

		default:
			return nil, fmt.Errorf("unexpected character %q in formula %q", c, formula)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("unbalanced group in formula %q", formula)
	}
	return stack[0], nil
}

// readCount reads an optional decimal count at position i, defaulting to 1.
func readCount(s string, i int) (int, int) {
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return 1, i
	}
	n, _ := strconv.Atoi(s[i:j])
	return n, j
}

// MolarMass returns the molar mass of a formula in g/mol.
func MolarMass(formula string) (float64, error) {
	counts, err := CountElements(formula)
	if err != nil {
		return 0, err
	}

	var mass float64
	for el, n := range counts {
		w, ok := atomicWeights[el]
		if !ok {
			return 0, fmt.Errorf("unknown element %s in formula %s", el, formula)
		}
		mass += w * float64(n)
	}
	return mass, nil
}
