// Package policy decides which model type is trained at each iteration of an
// active learning loop.
package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lrtc/backend/internal/model"
)

// Policy maps an iteration index to the model type to use. Implementations
// are immutable and safe for concurrent use.
type Policy interface {
	ModelType(iteration int) model.ModelType
	// Name describes the policy; it is stable and unique per schedule.
	Name() string
}

// Fixed always uses the same model type.
type Fixed struct {
	modelType model.ModelType
}

func NewFixed(t model.ModelType) Fixed {
	return Fixed{modelType: t}
}

func (p Fixed) ModelType(int) model.ModelType {
	return p.modelType
}

func (p Fixed) Name() string {
	return p.modelType.Name()
}

// Changing switches model types after fixed numbers of iterations. With types
// [A, B, C] and iterations [5, 2], A is used for iterations 0-4, B for 5-6
// and C from 7 onwards.
type Changing struct {
	types        []model.ModelType
	iterations   []int
	switchPoints []int
}

func NewChanging(types []model.ModelType, iterations []int) (*Changing, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: at least one model type is required", model.ErrConfiguration)
	}
	if len(types) != len(iterations)+1 {
		return nil, fmt.Errorf("%w: %d model types need %d iteration counts, got %d; "+
			"every model type except the last must specify for how many iterations it is used",
			model.ErrConfiguration, len(types), len(types)-1, len(iterations))
	}

	switchPoints := make([]int, len(iterations))
	total := 0
	for i, n := range iterations {
		if n < 0 {
			return nil, fmt.Errorf("%w: iteration count %d for %s is negative", model.ErrConfiguration, n, types[i])
		}
		total += n
		switchPoints[i] = total
	}

	return &Changing{
		types:        append([]model.ModelType(nil), types...),
		iterations:   append([]int(nil), iterations...),
		switchPoints: switchPoints,
	}, nil
}

func (p *Changing) ModelType(iteration int) model.ModelType {
	if iteration < 0 {
		iteration = 0
	}
	for i, point := range p.switchPoints {
		if iteration < point {
			return p.types[i]
		}
	}
	return p.types[len(p.types)-1]
}

// Name renders the schedule as <type>x<iterations>-...-<tail type>.
func (p *Changing) Name() string {
	var b strings.Builder
	for i, n := range p.iterations {
		b.WriteString(p.types[i].Name())
		b.WriteByte('x')
		b.WriteString(strconv.Itoa(n))
		b.WriteByte('-')
	}
	b.WriteString(p.types[len(p.types)-1].Name())
	return b.String()
}

// SwitchPoints returns the cumulative iteration counts at which the model
// type changes.
func (p *Changing) SwitchPoints() []int {
	return append([]int(nil), p.switchPoints...)
}

// FromNames builds a policy from configured type names. A single type yields
// a Fixed policy.
func FromNames(names []string, iterations []int) (Policy, error) {
	types, err := model.ParseModelTypes(names)
	if err != nil {
		return nil, err
	}
	if len(types) == 1 && len(iterations) == 0 {
		return NewFixed(types[0]), nil
	}
	return NewChanging(types, iterations)
}
