// Package nb implements a multinomial naive Bayes classifier over a
// bag-of-words representation of an item's text attribute.
package nb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dgraph-io/ristretto"

	"github.com/lrtc/backend/internal/model"
)

const (
	modelFile     = "model.json"
	textAttribute = "text"
	defaultAlpha  = 1.0
	loadedModels  = 64
)

// bow is the fitted model as persisted in model.json. Index 0 holds the
// negative class, index 1 the positive class.
type bow struct {
	Alpha       float64           `json:"alpha"`
	Documents   [2]int            `json:"documents"`
	TokenTotals [2]int            `json:"token_totals"`
	Counts      map[string][2]int `json:"counts"`
}

type Classifier struct {
	loaded *ristretto.Cache
}

var _ model.Implementation = (*Classifier)(nil)

func New(deps model.Deps) (model.API[model.Prediction], error) {
	c, err := NewClassifier()
	if err != nil {
		return nil, err
	}
	return model.NewBase(c, deps)
}

func NewClassifier() (*Classifier, error) {
	loaded, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * loadedModels,
		MaxCost:     loadedModels,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model cache: %w", err)
	}
	return &Classifier{loaded: loaded}, nil
}

func (c *Classifier) Type() model.ModelType {
	return model.NBOverBOW
}

func (c *Classifier) TrainModel(ctx context.Context, dir string, data []model.LabeledItem, params model.TrainParams) error {
	alpha, err := alphaParam(params)
	if err != nil {
		return err
	}

	m := &bow{Alpha: alpha, Counts: make(map[string][2]int)}
	for i, li := range data {
		if i%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		class := 0
		if li.Label {
			class = 1
		}
		m.Documents[class]++
		for _, tok := range tokenize(li.Item[textAttribute]) {
			counts := m.Counts[tok]
			counts[class]++
			m.Counts[tok] = counts
			m.TokenTotals[class]++
		}
	}

	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, modelFile), encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	c.loaded.Del(dir)
	return nil
}

func (c *Classifier) InferModel(ctx context.Context, dir string, items []model.Item) ([]model.Prediction, error) {
	m, err := c.load(dir)
	if err != nil {
		return nil, err
	}

	out := make([]model.Prediction, len(items))
	for i, item := range items {
		score := m.positiveProbability(tokenize(item[textAttribute]))
		out[i] = model.Prediction{Label: score > 0.5, Score: score}
	}
	return out, nil
}

// Forget drops the memoised model of dir.
func (c *Classifier) Forget(dir string) {
	c.loaded.Del(dir)
}

func (c *Classifier) load(dir string) (*bow, error) {
	if v, ok := c.loaded.Get(dir); ok {
		return v.(*bow), nil
	}

	data, err := os.ReadFile(filepath.Join(dir, modelFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no trained model in %s", model.ErrModelNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m bow
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	c.loaded.Set(dir, &m, 1)
	return &m, nil
}

func (m *bow) positiveProbability(tokens []string) float64 {
	total := m.Documents[0] + m.Documents[1]
	if total == 0 {
		return 0.5
	}
	vocab := float64(len(m.Counts))

	var logp [2]float64
	for class := 0; class < 2; class++ {
		// add-one prior keeps single-class training sets finite
		logp[class] = math.Log(float64(m.Documents[class]+1) / float64(total+2))
		denom := float64(m.TokenTotals[class]) + m.Alpha*vocab
		if denom == 0 {
			continue
		}
		for _, tok := range tokens {
			counts, ok := m.Counts[tok]
			if !ok {
				continue
			}
			logp[class] += math.Log((float64(counts[class]) + m.Alpha) / denom)
		}
	}

	// logistic of the log-odds
	return 1 / (1 + math.Exp(logp[0]-logp[1]))
}

func alphaParam(params model.TrainParams) (float64, error) {
	v, ok := params["alpha"]
	if !ok {
		return defaultAlpha, nil
	}
	var alpha float64
	switch a := v.(type) {
	case float64:
		alpha = a
	case float32:
		alpha = float64(a)
	case int:
		alpha = float64(a)
	default:
		return 0, fmt.Errorf("%w: alpha must be a number, got %T", model.ErrConfiguration, v)
	}
	if alpha <= 0 {
		return 0, fmt.Errorf("%w: alpha must be positive, got %v", model.ErrConfiguration, alpha)
	}
	return alpha, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
