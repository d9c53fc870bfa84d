// Package random implements the RAND baseline: scores are pseudo-random but
// stable for a given model and item text.
package random

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/pkg/utils"
)

const seedFile = "seed"

type Classifier struct{}

var _ model.Implementation = Classifier{}

func New(deps model.Deps) (model.API[model.Prediction], error) {
	return model.NewBase(Classifier{}, deps)
}

func (Classifier) Type() model.ModelType {
	return model.Rand
}

// TrainModel only records a seed; an explicit "seed" parameter makes runs
// reproducible across model ids.
func (Classifier) TrainModel(ctx context.Context, dir string, data []model.LabeledItem, params model.TrainParams) error {
	seed := utils.Seed(dir)
	if v, ok := params["seed"]; ok {
		switch s := v.(type) {
		case float64:
			seed = uint64(s)
		case int:
			seed = uint64(s)
		default:
			return fmt.Errorf("%w: seed must be a number, got %T", model.ErrConfiguration, v)
		}
	}
	return os.WriteFile(filepath.Join(dir, seedFile), []byte(strconv.FormatUint(seed, 10)), 0o644)
}

func (Classifier) InferModel(ctx context.Context, dir string, items []model.Item) ([]model.Prediction, error) {
	raw, err := os.ReadFile(filepath.Join(dir, seedFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no trained model in %s", model.ErrModelNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	seed, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt seed file: %w", err)
	}

	out := make([]model.Prediction, len(items))
	for i, item := range items {
		r := rand.New(rand.NewSource(int64(seed ^ utils.Seed(item["text"]))))
		score := r.Float64()
		out[i] = model.Prediction{Label: score > 0.5, Score: score}
	}
	return out, nil
}
