package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	v, err := Parse("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, SemVer{Major: 1, Minor: 2, Patch: 3}, v)
	assert.Equal(t, "1.2.3", v.String())

	pre, err := Parse("1.2.3-beta.1")
	require.NoError(t, err)
	assert.Equal(t, "beta.1", pre.Prerelease)

	_, err = Parse("not-a-version")
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	a, _ := Parse("1.2.3")
	b, _ := Parse("1.3.0")
	pre, _ := Parse("1.2.3-rc.1")

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, pre.Compare(a))
}

func TestCheckWorkflow(t *testing.T) {
	compat, err := CheckWorkflow(MinWorkflowVersion)
	require.NoError(t, err)
	assert.NotEqual(t, Incompatible, compat)

	compat, err = CheckWorkflow("9.0.0")
	require.NoError(t, err)
	assert.Equal(t, Incompatible, compat)

	_, err = CheckWorkflow("bogus")
	assert.Error(t, err)
}
