package predictions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type prediction struct {
	Label bool    `json:"label"`
	Score float64 `json:"score"`
}

type ensemblePrediction struct {
	Label                 bool                  `json:"label"`
	Score                 float64               `json:"score"`
	ModelTypeToPrediction map[string]prediction `json:"model_type_to_prediction"`
}

func TestCacheKeyCanonicalization(t *testing.T) {
	a := NewCacheKey("SVM_mid", map[string]string{"text": "a", "lang": "en"})
	b := NewCacheKey("SVM_mid", map[string]string{"lang": "en", "text": "a"})
	assert.Equal(t, a, b)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	assert.Equal(t, []Attribute{{Name: "lang", Value: "en"}, {Name: "text", Value: "a"}}, a.Attributes())

	other := NewCacheKey("NB_mid", map[string]string{"text": "a", "lang": "en"})
	assert.NotEqual(t, a, other)
	assert.NotEqual(t, a.Fingerprint(), other.Fingerprint())
}

func TestCacheKeyEncodingIsInjective(t *testing.T) {
	// values that would collide under naive concatenation
	a := NewCacheKey("m", map[string]string{"a": "1:b", "c": "2"})
	b := NewCacheKey("m", map[string]string{"a": "1", "c": "2"})
	assert.NotEqual(t, a, b)

	k, err := NewCacheKeyFromAttributes("m", []Attribute{{Name: "c", Value: "2"}, {Name: "a", Value: "1:b"}})
	require.NoError(t, err)
	assert.Equal(t, a, k)

	_, err = NewCacheKeyFromAttributes("m", []Attribute{{Name: "a", Value: "1"}, {Name: "a", Value: "2"}})
	assert.Error(t, err)
}

func TestCacheKeyEmptyItem(t *testing.T) {
	k := NewCacheKey("m", map[string]string{})
	assert.Empty(t, k.Attributes())
	assert.Equal(t, "m", k.ModelID())
}

func TestSaveEqualsLoad(t *testing.T) {
	store := Store[prediction]{
		NewCacheKey("SVM_mid", map[string]string{"text": "Embrace growth and innovation!"}): {Label: true, Score: 0.9},
		NewCacheKey("SVM_mid", map[string]string{"text": "parking lot"}):                    {Label: false, Score: 0.4},
		// duplicate attribute values across distinct keys
		NewCacheKey("NB_mid", map[string]string{"text": "parking lot"}):                   {Label: true, Score: 0.6},
		NewCacheKey("NB_mid", map[string]string{"text": "parking lot", "lang": "en"}):     {Label: false, Score: 0.1},
		NewCacheKey("NB_mid", map[string]string{"text": "unicode ✓ \"quoted\" <b>", "x": ""}): {Label: false, Score: 0},
	}

	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, Save(path, store))

	loaded, err := Load[prediction](path)
	require.NoError(t, err)
	assert.Equal(t, store, loaded)
}

func TestSaveEqualsLoadWithProvenance(t *testing.T) {
	store := Store[ensemblePrediction]{
		NewCacheKey("a,b", map[string]string{"text": "I love dogs"}): {
			Label: true,
			Score: 0.8,
			ModelTypeToPrediction: map[string]prediction{
				"NB_OVER_BOW": {Label: true, Score: 0.9},
				"RAND":        {Label: true, Score: 0.7},
			},
		},
		NewCacheKey("a,b", map[string]string{"text": "cats"}): {
			Label: false,
			Score: 0.25,
			ModelTypeToPrediction: map[string]prediction{
				"NB_OVER_BOW": {Label: false, Score: 0.3},
				"RAND":        {Label: false, Score: 0.2},
			},
		},
	}

	path := filepath.Join(t.TempDir(), "ensemble.json")
	require.NoError(t, Save(path, store))

	loaded, err := Load[ensemblePrediction](path)
	require.NoError(t, err)
	assert.Equal(t, store, loaded)
}

func TestSaveEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	require.NoError(t, Save(path, Store[prediction]{}))

	loaded, err := Load[prediction](path)
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.NotNil(t, loaded)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	loaded, err := Load[prediction](filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestMarshalIsDeterministic(t *testing.T) {
	build := func() Store[prediction] {
		s := Store[prediction]{}
		for _, text := range []string{"z", "a", "m", "b", "y"} {
			s[NewCacheKey("model", map[string]string{"text": text, "lang": "en"})] = prediction{Score: 0.5}
		}
		return s
	}

	first, err := Marshal(build())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Marshal(build())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.True(t, strings.HasPrefix(string(first), `[{"key":["model",[["lang","en"],["text","a"]]]`))
}

func TestDecodeRejectsMalformedData(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{name: "truncated", data: `[{"key":["m",[["text","a"]]],"value":{"label":true,`},
		{name: "not an array", data: `{"key":["m",[]],"value":{"label":true,"score":1}}`},
		{name: "null", data: `null`},
		{name: "unknown value field", data: `[{"key":["m",[["text","a"]]],"value":{"label":true,"score":1,"extra":2}}]`},
		{name: "unknown record field", data: `[{"key":["m",[]],"value":{"label":true,"score":1},"ttl":3}]`},
		{name: "missing value", data: `[{"key":["m",[["text","a"]]]}]`},
		{name: "missing key", data: `[{"value":{"label":true,"score":1}}]`},
		{name: "key wrong arity", data: `[{"key":["m"],"value":{"label":true,"score":1}}]`},
		{name: "attribute wrong arity", data: `[{"key":["m",[["text"]]],"value":{"label":true,"score":1}}]`},
		{name: "model id not a string", data: `[{"key":[1,[]],"value":{"label":true,"score":1}}]`},
		{name: "score wrong type", data: `[{"key":["m",[]],"value":{"label":true,"score":"high"}}]`},
		{name: "duplicate attribute", data: `[{"key":["m",[["a","1"],["a","2"]]],"value":{"label":true,"score":1}}]`},
		{name: "repeated key", data: `[{"key":["m",[["a","1"]]],"value":{"label":true,"score":1}},{"key":["m",[["a","1"]]],"value":{"label":false,"score":0}}]`},
		{name: "trailing data", data: `[] []`},
		{name: "empty", data: ``},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode[prediction](strings.NewReader(tc.data))
			assert.ErrorIs(t, err, ErrSerialization)
		})
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"key":`), 0o644))

	_, err := Load[prediction](path)
	assert.ErrorIs(t, err, ErrSerialization)

	_, err = Open[prediction]("test", path)
	assert.ErrorIs(t, err, ErrSerialization)
}

func entryFor(key CacheKey, p prediction) remoteEntry[prediction] {
	return remoteEntry[prediction]{
		Key:   encodedKey{ModelID: key.ModelID(), Attributes: key.Attributes()},
		Value: p,
	}
}

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) GetPrediction(ctx context.Context, fingerprint string, dst any) (bool, error) {
	args := m.Called(ctx, fingerprint, dst)
	if fill, ok := args.Get(2).(func(any)); ok && fill != nil {
		fill(dst)
	}
	return args.Bool(0), args.Error(1)
}

func (m *mockRemote) SetPrediction(ctx context.Context, fingerprint string, value any) error {
	args := m.Called(ctx, fingerprint, value)
	return args.Error(0)
}

func TestCachePutGetPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")

	c, err := Open[prediction]("test", path)
	require.NoError(t, err)

	key := NewCacheKey("m1", map[string]string{"text": "hello"})
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Put(ctx, key, prediction{Label: true, Score: 0.75})
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, prediction{Label: true, Score: 0.75}, got)

	require.NoError(t, c.Persist())

	reopened, err := Open[prediction]("test", path)
	require.NoError(t, err)
	assert.Equal(t, c.snapshot(), reopened.snapshot())
	assert.Equal(t, 1, reopened.Len())
}

func TestCacheDeleteModel(t *testing.T) {
	ctx := context.Background()
	c, err := Open[prediction]("test", filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)

	c.Put(ctx, NewCacheKey("m1", map[string]string{"text": "a"}), prediction{Score: 0.1})
	c.Put(ctx, NewCacheKey("m1", map[string]string{"text": "b"}), prediction{Score: 0.2})
	c.Put(ctx, NewCacheKey("m2", map[string]string{"text": "a"}), prediction{Score: 0.3})

	assert.Equal(t, 2, c.DeleteModel("m1"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.DeleteModel("m1"))
}

func TestCacheConsultsRemoteOnMiss(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}

	hit := NewCacheKey("m1", map[string]string{"text": "remote"})
	miss := NewCacheKey("m1", map[string]string{"text": "nowhere"})

	remote.On("GetPrediction", ctx, hit.Fingerprint(), mock.Anything).
		Return(true, nil, func(dst any) { *dst.(*remoteEntry[prediction]) = entryFor(hit, prediction{Label: true, Score: 0.9}) }).Once()
	remote.On("GetPrediction", ctx, miss.Fingerprint(), mock.Anything).Return(false, nil, nil).Once()
	remote.On("SetPrediction", ctx, miss.Fingerprint(), entryFor(miss, prediction{Score: 0.2})).Return(assert.AnError).Once()

	c, err := Open[prediction]("test", filepath.Join(t.TempDir(), "cache.json"), WithRemote(remote))
	require.NoError(t, err)

	got, ok := c.Get(ctx, hit)
	require.True(t, ok)
	assert.Equal(t, prediction{Label: true, Score: 0.9}, got)

	// promoted into the local store, so no second remote lookup
	got, ok = c.Get(ctx, hit)
	require.True(t, ok)
	assert.Equal(t, 0.9, got.Score)

	_, ok = c.Get(ctx, miss)
	assert.False(t, ok)

	// remote write failures do not affect the local store
	c.Put(ctx, miss, prediction{Score: 0.2})
	assert.Equal(t, 2, c.Len())

	remote.AssertExpectations(t)
}

func TestCacheRemoteFingerprintCollisionIsMiss(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}

	wanted := NewCacheKey("m1", map[string]string{"text": "wanted"})
	other := NewCacheKey("m1", map[string]string{"text": "other"})

	// the remote answers under wanted's fingerprint with another item's entry
	remote.On("GetPrediction", ctx, wanted.Fingerprint(), mock.Anything).
		Return(true, nil, func(dst any) { *dst.(*remoteEntry[prediction]) = entryFor(other, prediction{Label: true, Score: 0.9}) }).Once()

	c, err := Open[prediction]("test", filepath.Join(t.TempDir(), "cache.json"), WithRemote(remote))
	require.NoError(t, err)

	_, ok := c.Get(ctx, wanted)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
	remote.AssertExpectations(t)
}

func TestMarshalRejectsInvalidUTF8(t *testing.T) {
	testCases := []struct {
		name string
		key  CacheKey
	}{
		{name: "value", key: NewCacheKey("m1", map[string]string{"text": "caf\xe9"})},
		{name: "attribute name", key: NewCacheKey("m1", map[string]string{"te\xffxt": "cafe"})},
		{name: "model id", key: NewCacheKey("m\xc3", map[string]string{"text": "cafe"})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.key.Persistable())

			store := Store[prediction]{tc.key: {Label: true, Score: 0.7}}
			_, err := Marshal(store)
			assert.ErrorIs(t, err, ErrSerialization)

			path := filepath.Join(t.TempDir(), "cache.json")
			assert.ErrorIs(t, Save(path, store), ErrSerialization)
			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr))
		})
	}

	valid := NewCacheKey("m1", map[string]string{"text": "café"})
	assert.NoError(t, valid.Persistable())
}

func TestCacheSkipsUnpersistableKeys(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	path := filepath.Join(t.TempDir(), "cache.json")

	c, err := Open[prediction]("test", path, WithRemote(remote))
	require.NoError(t, err)

	c.Put(ctx, NewCacheKey("m1", map[string]string{"text": "caf\xe9"}), prediction{Score: 0.4})
	assert.Zero(t, c.Len())
	require.NoError(t, c.Persist())

	// the remote is never written for a key that cannot round-trip
	remote.AssertNotCalled(t, "SetPrediction", mock.Anything, mock.Anything, mock.Anything)
}
