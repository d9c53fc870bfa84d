package predictions

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lrtc/backend/pkg/utils"
)

// Attribute is one named attribute of an inferred item.
type Attribute struct {
	Name  string
	Value string
}

// CacheKey identifies a prediction by model id and item content. Attributes
// are held in canonical (name-sorted) order, so two items with the same
// attributes produce equal keys whatever their insertion order. CacheKey is
// comparable and can be used directly as a map key.
type CacheKey struct {
	modelID string
	attrs   string
}

// NewCacheKey builds the key of item under modelID.
func NewCacheKey(modelID string, item map[string]string) CacheKey {
	attrs := make([]Attribute, 0, len(item))
	for name, value := range item {
		attrs = append(attrs, Attribute{Name: name, Value: value})
	}
	sortAttributes(attrs)
	return CacheKey{modelID: modelID, attrs: encodeAttributes(attrs)}
}

// NewCacheKeyFromAttributes canonicalizes attrs. Repeated attribute names are
// rejected because no item can carry them.
func NewCacheKeyFromAttributes(modelID string, attrs []Attribute) (CacheKey, error) {
	sorted := make([]Attribute, len(attrs))
	copy(sorted, attrs)
	sortAttributes(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return CacheKey{}, fmt.Errorf("duplicate attribute %q", sorted[i].Name)
		}
	}
	return CacheKey{modelID: modelID, attrs: encodeAttributes(sorted)}, nil
}

func (k CacheKey) ModelID() string {
	return k.modelID
}

// Attributes returns the canonical attribute sequence.
func (k CacheKey) Attributes() []Attribute {
	attrs, err := decodeAttributes(k.attrs)
	if err != nil {
		// attrs is only ever produced by encodeAttributes
		panic(err)
	}
	return attrs
}

// Persistable reports whether the key survives a round trip through the
// JSON cache file. Model ids, names and values must be valid UTF-8.
func (k CacheKey) Persistable() error {
	if !utf8.ValidString(k.modelID) {
		return fmt.Errorf("model id %q is not valid UTF-8", k.modelID)
	}
	for _, a := range k.Attributes() {
		if !utf8.ValidString(a.Name) {
			return fmt.Errorf("attribute name %q is not valid UTF-8", a.Name)
		}
		if !utf8.ValidString(a.Value) {
			return fmt.Errorf("value of attribute %q is not valid UTF-8", a.Name)
		}
	}
	return nil
}

// Fingerprint is a short stable digest of the key, used where a scalar
// string key is required (remote caches, logs).
func (k CacheKey) Fingerprint() string {
	return utils.Fingerprint(k.modelID, k.attrs)
}

func (k CacheKey) String() string {
	var b strings.Builder
	b.WriteString(k.modelID)
	b.WriteByte('{')
	for i, a := range k.Attributes() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(a.Name))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(a.Value))
	}
	b.WriteByte('}')
	return b.String()
}

func (k CacheKey) less(other CacheKey) bool {
	if k.modelID != other.modelID {
		return k.modelID < other.modelID
	}
	return k.attrs < other.attrs
}

func sortAttributes(attrs []Attribute) {
	sort.Slice(attrs, func(i, j int) bool {
		if attrs[i].Name != attrs[j].Name {
			return attrs[i].Name < attrs[j].Name
		}
		return attrs[i].Value < attrs[j].Value
	})
}

// encodeAttributes length-prefixes every name and value, which keeps the
// encoding injective for arbitrary bytes.
func encodeAttributes(attrs []Attribute) string {
	var b strings.Builder
	for _, a := range attrs {
		writeField(&b, a.Name)
		writeField(&b, a.Value)
	}
	return b.String()
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func decodeAttributes(s string) ([]Attribute, error) {
	var attrs []Attribute
	for len(s) > 0 {
		var name, value string
		var err error
		if name, s, err = readField(s); err != nil {
			return nil, err
		}
		if value, s, err = readField(s); err != nil {
			return nil, err
		}
		attrs = append(attrs, Attribute{Name: name, Value: value})
	}
	return attrs, nil
}

func readField(s string) (string, string, error) {
	sep := strings.IndexByte(s, ':')
	if sep < 0 {
		return "", "", fmt.Errorf("corrupt attribute encoding")
	}
	n, err := strconv.Atoi(s[:sep])
	if err != nil || n < 0 || sep+1+n > len(s) {
		return "", "", fmt.Errorf("corrupt attribute encoding")
	}
	rest := s[sep+1:]
	return rest[:n], rest[n:], nil
}
