package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/docpress/docpress/outcome"
)

// FileWorker is the in-process transformation used by the local backend
// variant: inputs and outputs are keys under a data directory. It
// normalizes structured documents (JSON re-serialized canonically, text
// with line endings and trailing whitespace cleaned).
type FileWorker struct {
	root   string
	logger *zap.SugaredLogger
}

// NewFileWorker creates a worker rooted at dir.
func NewFileWorker(dir string, logger *zap.SugaredLogger) *FileWorker {
	return &FileWorker{root: dir, logger: logger.Named("fileworker")}
}

// Process runs fetch, transform, and upload for one input key.
func (w *FileWorker) Process(ctx context.Context, inputRef string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	path, ok := w.resolve(inputRef)
	if !ok {
		return Failure(outcome.CodeInputInvalid, outcome.StageFetch), nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Failure(outcome.CodeInputInvalid, outcome.StageFetch), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	transformed, failed := w.transform(inputRef, raw)
	if failed != nil {
		return *failed, nil
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	outputRef := "outputs/" + strings.TrimPrefix(inputRef, "uploads/")
	outPath, _ := w.resolve(outputRef)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		w.logger.Errorw("Creating output directory failed", "output_ref", outputRef, "error", err)
		return Failure(outcome.CodeUnknown, outcome.StageUpload), nil
	}
	if err := os.WriteFile(outPath, transformed, 0o644); err != nil {
		w.logger.Errorw("Writing output failed", "output_ref", outputRef, "error", err)
		return Failure(outcome.CodeUnknown, outcome.StageUpload), nil
	}

	return Outcome{OutputRef: outputRef}, nil
}

// resolve maps a storage key to a filesystem path, rejecting keys that
// escape the data directory.
func (w *FileWorker) resolve(ref string) (string, bool) {
	if ref == "" || strings.Contains(ref, "..") || filepath.IsAbs(ref) {
		return "", false
	}
	return filepath.Join(w.root, filepath.FromSlash(ref)), true
}

func (w *FileWorker) transform(inputRef string, raw []byte) ([]byte, *Outcome) {
	switch strings.ToLower(filepath.Ext(inputRef)) {
	case ".json":
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			w.logger.Warnw("Input is not valid JSON", "input_ref", inputRef, "error", err)
			f := Failure(outcome.CodeTransformFailed, outcome.StageTransform)
			return nil, &f
		}
		normalized, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			f := Failure(outcome.CodeTransformFailed, outcome.StageTransform)
			return nil, &f
		}
		return append(normalized, '\n'), nil

	case ".txt", ".md":
		text := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
		lines := bytes.Split(text, []byte("\n"))
		for i, line := range lines {
			lines[i] = bytes.TrimRight(line, " \t")
		}
		return bytes.Join(lines, []byte("\n")), nil

	default:
		f := Failure(outcome.CodeInputUnsupported, outcome.StageTransform)
		return nil, &f
	}
}
