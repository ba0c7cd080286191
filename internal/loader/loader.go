// Package loader reads chain documents from YAML or JSON files.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chainflow/pkg/schema"
)

// Format is a chain document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DocumentValidator checks the structure of a JSON chain document.
type DocumentValidator interface {
	ValidateDocument(data []byte) error
}

// Loader decodes chain documents. Every document is checked against the
// chain schema before it is decoded.
type Loader struct {
	validator DocumentValidator
}

// New creates a Loader. A nil validator skips the structural check.
func New(v DocumentValidator) *Loader {
	return &Loader{validator: v}
}

// FormatOf infers a document format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeInvalidDocument, "unsupported chain file extension %q", filepath.Ext(path)).
		WithDetails(map[string]any{"path": path})
}

// LoadFile reads and decodes the chain document at path.
func (l *Loader) LoadFile(path string) (*schema.Chain, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain file: %w", err)
	}
	c, err := l.Load(data, format)
	if err != nil {
		if ce, ok := schema.AsChainError(err); ok {
			details := maps.Clone(ce.Details)
			if details == nil {
				details = map[string]any{}
			}
			details["path"] = path
			ce.Details = details
		}
		return nil, err
	}
	return c, nil
}

// LoadDir decodes every .json, .yaml and .yml file directly under dir in
// file name order. The first failing file aborts the load.
func (l *Loader) LoadDir(dir string) ([]*schema.Chain, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read chain dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ferr := FormatOf(e.Name()); ferr == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	chains := make([]*schema.Chain, 0, len(names))
	for _, name := range names {
		c, err := l.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		chains = append(chains, c)
	}
	return chains, nil
}

// Load decodes a chain document in the given format.
func (l *Loader) Load(data []byte, format Format) (*schema.Chain, error) {
	doc := data
	if format == FormatYAML {
		var err error
		if doc, err = YAMLToJSON(data); err != nil {
			return nil, err
		}
	}
	if l.validator != nil {
		if err := l.validator.ValidateDocument(doc); err != nil {
			return nil, err
		}
	}
	return schema.ParseChain(doc)
}

// YAMLToJSON converts a YAML document to JSON. Mapping key order is kept,
// so step order survives the conversion.
func YAMLToJSON(data []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDocument, "chain document is not valid YAML").WithCause(err)
	}
	var buf bytes.Buffer
	if err := writeNode(&buf, &root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNode(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case 0:
		buf.WriteString("null")
		return nil

	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeNode(buf, n.Content[0])

	case yaml.AliasNode:
		return writeNode(buf, n.Alias)

	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			k := n.Content[i]
			if k.Kind != yaml.ScalarNode {
				return schema.NewErrorf(schema.ErrCodeInvalidDocument, "line %d: mapping keys must be scalars", k.Line)
			}
			key, _ := json.Marshal(k.Value)
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeNode(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNode(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidDocument, "line %d: %s", n.Line, err.Error()).WithCause(err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidDocument, "line %d: value cannot be represented in JSON", n.Line).WithCause(err)
		}
		buf.Write(raw)
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidDocument, "line %d: unsupported YAML node", n.Line)
}
