package skills

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
)

// ManifestPath returns the manifest file path of a bundle directory
func ManifestPath(bundleDir string) string {
	return filepath.Join(bundleDir, manifestFileName)
}

// HasManifest reports whether dir contains a manifest file
func HasManifest(dir string) bool {
	info, err := os.Stat(ManifestPath(dir))
	return err == nil && !info.IsDir()
}

// ParseManifest reads and parses the SKILL.md of a bundle directory
func ParseManifest(bundleDir string) (*Manifest, error) {
	path := ManifestPath(bundleDir)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindManifestMissing, filepath.Base(bundleDir), "no "+manifestFileName+" in "+bundleDir, nil)
		}
		return nil, newError(KindModuleLoadError, filepath.Base(bundleDir), "failed to read manifest", err)
	}

	m, err := parseManifestContent(content)
	if err != nil {
		return nil, newError(KindModuleLoadError, filepath.Base(bundleDir), "invalid manifest", err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(bundleDir)
	}
	return m, nil
}

func parseManifestContent(content []byte) (*Manifest, error) {
	md := goldmark.New(
		goldmark.WithExtensions(meta.Meta),
	)

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse markdown")
	}

	metaData, err := meta.TryGet(pctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse frontmatter")
	}

	m := &Manifest{}
	if metaData != nil {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           m,
			WeaklyTypedInput: true,
			TagName:          "mapstructure",
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create manifest decoder")
		}
		if err := decoder.Decode(metaData); err != nil {
			return nil, errors.Wrap(err, "failed to decode frontmatter")
		}
	}

	switch m.ExecutionMode {
	case "":
		m.ExecutionMode = ExecutionInProcess
	case ExecutionInProcess, ExecutionSubprocess:
	default:
		return nil, errors.Errorf("unknown execution_mode %q", m.ExecutionMode)
	}

	m.Body = extractBodyContent(string(content))
	return m, nil
}

// extractBodyContent removes YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}

	if frontmatterEnd == -1 {
		return content
	}

	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\n")
}
