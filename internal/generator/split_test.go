package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTestsFencedBlocks(t *testing.T) {
	content := "Here are your tests:\n```go\nfunc TestLoginWorks(t *testing.T) {\n\tassert.True(t, true)\n}\n\nfunc TestLogoutWorks(t *testing.T) {\n\tassert.True(t, true)\n}\n```\nDone."

	tests := SplitTests(content)
	require.Len(t, tests, 2)
	assert.Contains(t, tests[0], "func TestLoginWorks")
	assert.Contains(t, tests[1], "func TestLogoutWorks")
	assert.NotContains(t, tests[1], "TestLoginWorks")
}

func TestSplitTestsBareCode(t *testing.T) {
	content := "func TestOnly(t *testing.T) {\n\trequire.Equal(t, 1, 1)\n}"
	tests := SplitTests(content)
	require.Len(t, tests, 1)
	assert.Equal(t, content, tests[0])
}

func TestSplitTestsNoTests(t *testing.T) {
	assert.Nil(t, SplitTests("sorry, I cannot generate tests for that"))
	assert.Nil(t, SplitTests("```go\npackage x\n\nfunc helper() {}\n```"))
}

func TestTestName(t *testing.T) {
	assert.Equal(t, "TestLoginWorks", TestName("func TestLoginWorks(t *testing.T) {}"))
	assert.Equal(t, "", TestName("func helper() {}"))
}
