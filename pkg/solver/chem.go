package solver

import (
	"fmt"
)

// standardTemperature is the default temperature for thermodynamic
// calculations, in kelvin.
const standardTemperature = 298.15

// Species pairs a formula with a stoichiometric coefficient.
type Species struct {
	Formula     string  `json:"formula"`
	Coefficient float64 `json:"coefficient,omitempty"`
}

// ThermoData holds standard formation values for one species.
type ThermoData struct {
	// DeltaHf is the standard enthalpy of formation in kJ/mol
	DeltaHf float64 `json:"delta_hf"`
	// Entropy is the standard molar entropy in J/(mol·K)
	Entropy float64 `json:"entropy"`
}

// ThermoInput is the payload for thermodynamics tasks. The lookup table is
// supplied by the caller; this subsystem carries no domain constants.
type ThermoInput struct {
	Reactants   []Species             `json:"reactants"`
	Products    []Species             `json:"products"`
	Table       map[string]ThermoData `json:"table"`
	Temperature float64               `json:"temperature_k,omitempty"`
}

// ThermoResult carries reaction-level state functions.
type ThermoResult struct {
	DeltaH      float64 `json:"delta_h"` // kJ/mol
	DeltaS      float64 `json:"delta_s"` // J/(mol·K)
	DeltaG      float64 `json:"delta_g"` // kJ/mol
	Temperature float64 `json:"temperature_k"`
	Spontaneous bool    `json:"spontaneous"`
}

// ComputeThermodynamics evaluates ΔH, ΔS and ΔG = ΔH − TΔS for a reaction
// from per-species formation data.
func ComputeThermodynamics(in ThermoInput) (ThermoResult, error) {
	if len(in.Reactants) == 0 || len(in.Products) == 0 {
		return ThermoResult{}, fmt.Errorf("reaction needs at least one reactant and one product")
	}
	t := in.Temperature
	if t <= 0 {
		t = standardTemperature
	}

	sum := func(side []Species) (h, s float64, err error) {
		for _, sp := range side {
			data, ok := in.Table[sp.Formula]
			if !ok {
				return 0, 0, fmt.Errorf("no thermodynamic data for %s", sp.Formula)
			}
			c := sp.Coefficient
			if c == 0 {
				c = 1
			}
			h += c * data.DeltaHf
			s += c * data.Entropy
		}
		return h, s, nil
	}

	hProd, sProd, err := sum(in.Products)
	if err != nil {
		return ThermoResult{}, err
	}
	hReac, sReac, err := sum(in.Reactants)
	if err != nil {
		return ThermoResult{}, err
	}

	dH := hProd - hReac
	dS := sProd - sReac
	dG := dH - t*dS/1000 // entropy is in J, enthalpy in kJ

	return ThermoResult{
		DeltaH:      dH,
		DeltaS:      dS,
		DeltaG:      dG,
		Temperature: t,
		Spontaneous: dG < 0,
	}, nil
}

// StoichiometryInput is the payload for stoichiometry tasks: a reaction, a
// known mass of one species and the species whose mass is wanted.
type StoichiometryInput struct {
	Reaction      BalanceInput `json:"reaction"`
	KnownFormula  string       `json:"known_formula"`
	KnownMass     float64      `json:"known_mass_g"`
	TargetFormula string       `json:"target_formula"`
}

// StoichiometryResult carries the mole/mass relationship.
type StoichiometryResult struct {
	Coefficients []int   `json:"coefficients"`
	Equation     string  `json:"equation"`
	MolesKnown   float64 `json:"moles_known"`
	MolesTarget  float64 `json:"moles_target"`
	MassTarget   float64 `json:"mass_target_g"`
}

// ComputeStoichiometry balances the reaction, then converts the known mass to
// moles and across the coefficient ratio to the target species.
func ComputeStoichiometry(in StoichiometryInput) (StoichiometryResult, error) {
	if in.KnownMass <= 0 {
		return StoichiometryResult{}, fmt.Errorf("known mass must be positive, got %g", in.KnownMass)
	}

	bal, err := BalanceEquation(in.Reaction)
	if err != nil {
		return StoichiometryResult{}, err
	}

	species := append(append([]string{}, in.Reaction.Reactants...), in.Reaction.Products...)
	indexOf := func(formula string) int {
		for i, f := range species {
			if f == formula {
				return i
			}
		}
		return -1
	}

	ki := indexOf(in.KnownFormula)
	if ki < 0 {
		return StoichiometryResult{}, fmt.Errorf("known species %s is not part of the reaction", in.KnownFormula)
	}
	ti := indexOf(in.TargetFormula)
	if ti < 0 {
		return StoichiometryResult{}, fmt.Errorf("target species %s is not part of the reaction", in.TargetFormula)
	}

	mmKnown, err := MolarMass(in.KnownFormula)
	if err != nil {
		return StoichiometryResult{}, err
	}
	mmTarget, err := MolarMass(in.TargetFormula)
	if err != nil {
		return StoichiometryResult{}, err
	}

	molesKnown := in.KnownMass / mmKnown
	molesTarget := molesKnown * float64(bal.Coefficients[ti]) / float64(bal.Coefficients[ki])

	return StoichiometryResult{
		Coefficients: bal.Coefficients,
		Equation:     bal.Equation,
		MolesKnown:   molesKnown,
		MolesTarget:  molesTarget,
		MassTarget:   molesTarget * mmTarget,
	}, nil
}

// CompoundInput is the payload for compound-analysis tasks.
type CompoundInput struct {
	Formula string `json:"formula"`
}

// CompoundResult describes a compound's mass and composition.
type CompoundResult struct {
	Formula     string             `json:"formula"`
	MolarMass   float64            `json:"molar_mass"`
	Elements    map[string]int     `json:"elements"`
	Composition map[string]float64 `json:"composition_percent"`
}

// AnalyzeCompound computes molar mass and percent composition by element.
func AnalyzeCompound(in CompoundInput) (CompoundResult, error) {
	counts, err := CountElements(in.Formula)
	if err != nil {
		return CompoundResult{}, err
	}

	var total float64
	masses := make(map[string]float64, len(counts))
	for el, n := range counts {
		w, ok := atomicWeights[el]
		if !ok {
			return CompoundResult{}, fmt.Errorf("unknown element %s in formula %s", el, in.Formula)
		}
		masses[el] = w * float64(n)
		total += masses[el]
	}

	composition := make(map[string]float64, len(counts))
	for el, m := range masses {
		composition[el] = 100 * m / total
	}

	return CompoundResult{
		Formula:     in.Formula,
		MolarMass:   total,
		Elements:    counts,
		Composition: composition,
	}, nil
}

// BatchInput is the payload for batch-analysis tasks.
type BatchInput struct {
	Reactions []BalanceInput `json:"reactions"`
}

// BatchEntry is the per-reaction outcome inside a batch result.
type BatchEntry struct {
	Coefficients []int  `json:"coefficients,omitempty"`
	Equation     string `json:"equation,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BatchResult aggregates the outcomes of one batch task.
type BatchResult struct {
	Entries  []BatchEntry `json:"entries"`
	Balanced int          `json:"balanced"`
	Failed   int          `json:"failed"`
}

// AnalyzeBatch balances every reaction in the batch, recording per-entry
// failures instead of aborting. The optional progress callback receives a
// 0-100 percentage after each entry.
func AnalyzeBatch(in BatchInput, progress func(float64)) (BatchResult, error) {
	if len(in.Reactions) == 0 {
		return BatchResult{}, fmt.Errorf("empty batch")
	}

	out := BatchResult{Entries: make([]BatchEntry, len(in.Reactions))}
	for i, rx := range in.Reactions {
		bal, err := BalanceEquation(rx)
		if err != nil {
			out.Entries[i] = BatchEntry{Error: err.Error()}
			out.Failed++
		} else {
			out.Entries[i] = BatchEntry{Coefficients: bal.Coefficients, Equation: bal.Equation}
			out.Balanced++
		}
		if progress != nil {
			progress(100 * float64(i+1) / float64(len(in.Reactions)))
		}
	}
	return out, nil
}
