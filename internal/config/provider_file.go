package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// FileProvider implements SecretProvider by reading mounted secret files.
// Each reference is a file path; the file content, minus trailing newlines,
// is the secret value.
type FileProvider struct {
	readFile func(name string) ([]byte, error)
}

// NewFileProvider creates a FileProvider backed by the OS filesystem.
func NewFileProvider() *FileProvider {
	return &FileProvider{readFile: os.ReadFile}
}

// Resolve reads every referenced file. Missing files are omitted so the
// loader can report them together; any other read error aborts.
func (p *FileProvider) Resolve(ctx context.Context, refs []string) (map[string]string, error) {
	result := make(map[string]string, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := p.readFile(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read secret file %s: %w", ref, err)
		}
		result[ref] = strings.TrimRight(string(data), "\r\n")
	}
	return result, nil
}
