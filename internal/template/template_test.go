package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	templates, err := l.List()
	require.NoError(t, err)
	require.Len(t, templates, 4)
	assert.Equal(t, "cli_tool", templates[0].Name)
	assert.Equal(t, "web_api", templates[3].Name)
}

func TestOpenLeavesExistingFilesAlone(t *testing.T) {
	dir := t.TempDir()
	custom := "name: web_api\ndescription: customized\nprompt_template: do {thing}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web_api.yaml"), []byte(custom), 0o644))

	l, err := Open(dir)
	require.NoError(t, err)
	got, err := l.Get("web_api")
	require.NoError(t, err)
	assert.Equal(t, "customized", got.Description)
}

func TestApplySubstitutesParameters(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	prompt, err := l.Apply("cli_tool", map[string]string{"purpose": "managing dotfiles"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "managing dotfiles")
	assert.NotContains(t, prompt, "{purpose}")
}

func TestApplyReportsMissingParameters(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = l.Apply("data_pipeline", map[string]string{"source": "csv files"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")
}

func TestListSkipsCorruptTemplate(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(":\n\t- not yaml"), 0o644))

	templates, err := l.List()
	require.NoError(t, err)
	assert.Len(t, templates, 4)
}

func TestGetUnknownTemplate(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = l.Get("nope")
	assert.Error(t, err)
}
