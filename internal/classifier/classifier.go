// Package classifier decides which lane runs a piece of code. The rules run
// in a fixed order and the first match wins; code that does not parse is
// lightweight, since validation rejects it before any executor sees it.
package classifier

import (
	"context"
	"strings"

	"github.com/codexec/backend/internal/model"
	"github.com/codexec/backend/internal/pyast"
)

// heavyImports are data processing libraries whose presence routes the code
// to a cluster job.
var heavyImports = map[string]struct{}{
	"pandas":  {},
	"modin":   {},
	"polars":  {},
	"pyarrow": {},
	"dask":    {},
	"ray":     {},
	"pyspark": {},
}

var fileOperations = map[string]struct{}{
	"open":  {},
	"read":  {},
	"write": {},
	"file":  {},
}

var fileModules = map[string]struct{}{
	"io":      {},
	"pathlib": {},
}

// maxLightweightLoopDepth is the deepest loop nesting still considered
// lightweight. Depth three or more routes heavy.
const maxLightweightLoopDepth = 2

// Classifier assigns a complexity to Python code.
type Classifier struct {
	analyzer *pyast.Analyzer
}

// New creates a classifier.
func New() *Classifier {
	return &Classifier{analyzer: pyast.NewAnalyzer()}
}

// Classify returns the routing decision for the code.
func (c *Classifier) Classify(ctx context.Context, code string) model.Complexity {
	root, err := c.analyzer.Parse(ctx, code)
	if err != nil {
		return model.Lightweight
	}

	if hasHeavyImports(root) {
		return model.Heavy
	}
	if hasFileIO(root) {
		return model.Heavy
	}
	if loopDepth(root) > maxLightweightLoopDepth {
		return model.Heavy
	}
	return model.Lightweight
}

func hasHeavyImports(root *pyast.Node) bool {
	found := false
	root.Walk(func(n *pyast.Node) {
		switch n.Kind {
		case pyast.KindImport:
			for _, module := range n.Modules {
				if _, heavy := heavyImports[baseModule(module)]; heavy {
					found = true
				}
			}
		case pyast.KindImportFrom:
			if _, heavy := heavyImports[baseModule(n.Root)]; heavy {
				found = true
			}
		}
	})
	return found
}

func hasFileIO(root *pyast.Node) bool {
	found := false
	root.Walk(func(n *pyast.Node) {
		switch n.Kind {
		case pyast.KindCall:
			if _, op := fileOperations[n.Name]; op {
				found = true
			}
		case pyast.KindWith:
			for _, call := range n.ContextCalls {
				if call == "open" {
					found = true
				}
			}
		case pyast.KindImport:
			for _, module := range n.Modules {
				if _, fm := fileModules[baseModule(module)]; fm {
					found = true
				}
			}
		case pyast.KindImportFrom:
			if _, fm := fileModules[baseModule(n.Root)]; fm {
				found = true
			}
		}
	})
	return found
}

// loopDepth returns the maximum for/while nesting depth in the tree.
func loopDepth(n *pyast.Node) int {
	depth := 0
	if n.Kind == pyast.KindFor || n.Kind == pyast.KindWhile {
		depth = 1
	}
	max := depth
	for _, child := range n.Children {
		if d := depth + loopDepth(child); d > max {
			max = d
		}
	}
	return max
}

func baseModule(dotted string) string {
	if i := strings.IndexByte(dotted, '.'); i >= 0 {
		return dotted[:i]
	}
	return dotted
}
