package processor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpress/docpress/logger"
	"github.com/docpress/docpress/outcome"
)

func newWorker(t *testing.T) (*FileWorker, string) {
	t.Helper()
	dir := t.TempDir()
	return NewFileWorker(dir, logger.Nop()), dir
}

func writeInput(t *testing.T, dir, key, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProcessNormalizesJSON(t *testing.T) {
	w, dir := newWorker(t)
	writeInput(t, dir, "uploads/doc.json", `{"b":2,"a":1}`)

	out, err := w.Process(context.Background(), "uploads/doc.json")
	require.NoError(t, err)
	require.True(t, out.Success())
	assert.Equal(t, "outputs/doc.json", out.OutputRef)

	produced, err := os.ReadFile(filepath.Join(dir, "outputs", "doc.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(produced))
}

func TestProcessNormalizesTextLineEndings(t *testing.T) {
	w, dir := newWorker(t)
	writeInput(t, dir, "uploads/notes.txt", "one  \r\ntwo\t\r\n")

	out, err := w.Process(context.Background(), "uploads/notes.txt")
	require.NoError(t, err)
	require.True(t, out.Success())

	produced, err := os.ReadFile(filepath.Join(dir, "outputs", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(produced))
}

func TestProcessMissingInputIsInvalid(t *testing.T) {
	w, _ := newWorker(t)

	out, err := w.Process(context.Background(), "uploads/absent.json")
	require.NoError(t, err)
	assert.Equal(t, outcome.CodeInputInvalid, out.Code)
	assert.Equal(t, outcome.StageFetch, out.Stage)
}

func TestProcessMalformedJSONFailsTransform(t *testing.T) {
	w, dir := newWorker(t)
	writeInput(t, dir, "uploads/broken.json", `{"a":`)

	out, err := w.Process(context.Background(), "uploads/broken.json")
	require.NoError(t, err)
	assert.Equal(t, outcome.CodeTransformFailed, out.Code)
	assert.Equal(t, outcome.StageTransform, out.Stage)
}

func TestProcessUnsupportedExtension(t *testing.T) {
	w, dir := newWorker(t)
	writeInput(t, dir, "uploads/image.png", "not a document")

	out, err := w.Process(context.Background(), "uploads/image.png")
	require.NoError(t, err)
	assert.Equal(t, outcome.CodeInputUnsupported, out.Code)
}

func TestProcessRejectsPathTraversal(t *testing.T) {
	w, _ := newWorker(t)

	out, err := w.Process(context.Background(), "../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, outcome.CodeInputInvalid, out.Code)
}

func TestProcessCancelledContext(t *testing.T) {
	w, dir := newWorker(t)
	writeInput(t, dir, "uploads/doc.json", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Process(ctx, "uploads/doc.json")
	assert.ErrorIs(t, err, context.Canceled)
}
