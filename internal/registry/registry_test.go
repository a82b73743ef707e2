package registry

import (
	"context"
	"testing"

	"github.com/browsergate/browsergate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeGenerate(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx GenerateContext) models.GenerateResult {
	text := "ok"
	return models.GenerateResult{Text: &text}
}

func validManifest(id string, modelIDs ...string) *Manifest {
	mds := make([]models.ModelDescriptor, len(modelIDs))
	for i, mid := range modelIDs {
		mds[i] = models.ModelDescriptor{ID: mid, ImagePolicy: models.ImageOptional}
	}
	return &Manifest{ID: id, DisplayName: id, Models: mds, Generate: fakeGenerate}
}

func TestRegister_Valid(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(validManifest("alpha", "m1")))
	assert.True(t, r.Has("alpha"))
}

func TestRegister_RejectsMissingID(t *testing.T) {
	r := New()
	m := validManifest("", "m1")
	err := r.Register(m)
	require.Error(t, err)
	assert.False(t, r.Has(""))
}

func TestRegister_RejectsMissingGenerate(t *testing.T) {
	r := New()
	m := validManifest("alpha", "m1")
	m.Generate = nil
	require.Error(t, r.Register(m))
}

func TestRegister_RejectsEmptyModels(t *testing.T) {
	r := New()
	m := validManifest("alpha")
	require.Error(t, r.Register(m))
}

func TestRegister_RejectsMissingModelID(t *testing.T) {
	r := New()
	m := validManifest("alpha", "m1")
	m.Models[0].ID = ""
	require.Error(t, r.Register(m))
}

func TestRegister_RejectsInvalidImagePolicy(t *testing.T) {
	r := New()
	m := validManifest("alpha", "m1")
	m.Models[0].ImagePolicy = "sometimes"
	require.Error(t, r.Register(m))
}

func TestRegister_RejectsDuplicateModel(t *testing.T) {
	r := New()
	m := validManifest("alpha", "m1", "m1")
	require.Error(t, r.Register(m))
}

func TestRegister_OneBadAdapterDoesNotBlockOthers(t *testing.T) {
	r := New()
	bad := validManifest("bad", "m1")
	bad.Generate = nil
	_ = r.Register(bad)

	require.NoError(t, r.Register(validManifest("good", "m1")))
	assert.True(t, r.Has("good"))
	assert.False(t, r.Has("bad"))
}

func TestResolve_BareKeySearchesAllAdapters(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(validManifest("alpha", "m1")))
	require.NoError(t, r.Register(validManifest("beta", "m2")))

	res := r.Resolve("m2")
	require.NotNil(t, res)
	assert.Equal(t, "beta", res.AdapterID)
	assert.Equal(t, "m2", res.InternalID)
}

func TestResolve_PrefixFormRestrictsToOneAdapter(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(validManifest("alpha", "m")))
	require.NoError(t, r.Register(validManifest("beta", "m")))

	res := r.Resolve("beta/m")
	require.NotNil(t, res)
	assert.Equal(t, "beta", res.AdapterID)
}

func TestResolve_CodeNameWinsOverID(t *testing.T) {
	r := New()
	m := &Manifest{
		ID:       "alpha",
		Models:   []models.ModelDescriptor{{ID: "public-name", CodeName: "site-internal", ImagePolicy: models.ImageOptional}},
		Generate: fakeGenerate,
	}
	require.NoError(t, r.Register(m))

	res := r.Resolve("public-name")
	require.NotNil(t, res)
	assert.Equal(t, "site-internal", res.InternalID)
}

func TestResolve_Unknown(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(validManifest("alpha", "m1")))
	assert.Nil(t, r.Resolve("nope"))
}

func TestModelFilter_Blacklist(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(validManifest("alpha", "m1", "m2")))
	r.SetModelFilter("alpha", &ModelFilter{Mode: "blacklist", List: []string{"m2"}})

	models := r.Models("alpha")
	require.Len(t, models, 1)
	assert.Equal(t, "m1", models[0].ID)

	assert.Nil(t, r.Resolve("m2"))
	assert.NotNil(t, r.Resolve("m1"))
}

func TestModelFilter_Whitelist(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(validManifest("alpha", "m1", "m2")))
	r.SetModelFilter("alpha", &ModelFilter{Mode: "whitelist", List: []string{"m1"}})

	models := r.Models("alpha")
	require.Len(t, models, 1)
	assert.Equal(t, "m1", models[0].ID)
}
