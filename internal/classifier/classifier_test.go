package classifier

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codexec/backend/internal/model"
)

func classify(code string) model.Complexity {
	return New().Classify(context.Background(), code)
}

func TestHeavyImports(t *testing.T) {
	for _, module := range []string{"pandas", "modin", "polars", "pyarrow", "dask", "ray", "pyspark"} {
		t.Run(module, func(t *testing.T) {
			assert.Equal(t, model.Heavy, classify("import "+module))
			assert.Equal(t, model.Heavy, classify(fmt.Sprintf("from %s import x", module)))
			assert.Equal(t, model.Heavy, classify(fmt.Sprintf("import %s.core", module)))
		})
	}
}

func TestFileIOIsHeavy(t *testing.T) {
	cases := map[string]string{
		"open call":      "open('data.csv')",
		"read method":    "f.read()",
		"with open":      "with open('f') as f:\n    pass\n",
		"io import":      "import io",
		"pathlib import": "from pathlib import Path",
	}
	for name, code := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, model.Heavy, classify(code))
		})
	}
}

func TestLoopDepth(t *testing.T) {
	nested := func(depth int) string {
		var b strings.Builder
		for i := 0; i < depth; i++ {
			b.WriteString(strings.Repeat("    ", i))
			b.WriteString(fmt.Sprintf("for i%d in range(10):\n", i))
		}
		b.WriteString(strings.Repeat("    ", depth))
		b.WriteString("pass\n")
		return b.String()
	}

	assert.Equal(t, model.Lightweight, classify(nested(1)))
	assert.Equal(t, model.Lightweight, classify(nested(2)))
	assert.Equal(t, model.Heavy, classify(nested(3)))
	assert.Equal(t, model.Heavy, classify(nested(4)))
}

func TestSiblingLoopsStayLightweight(t *testing.T) {
	code := "for a in range(3):\n    pass\nfor b in range(3):\n    pass\nwhile False:\n    pass\n"
	assert.Equal(t, model.Lightweight, classify(code))
}

func TestMixedForWhileNesting(t *testing.T) {
	code := "for a in range(3):\n    while True:\n        for b in range(3):\n            break\n"
	assert.Equal(t, model.Heavy, classify(code))
}

func TestSimpleCodeIsLightweight(t *testing.T) {
	assert.Equal(t, model.Lightweight, classify("total = sum(range(1, 101))\nprint(total)\n"))
	assert.Equal(t, model.Lightweight, classify("import math\nprint(math.pi)\n"))
}

func TestParseFailureDefaultsLightweight(t *testing.T) {
	assert.Equal(t, model.Lightweight, classify("def broken(:\n"))
}

func TestDeterministic(t *testing.T) {
	code := "import pandas\n"
	for i := 0; i < 5; i++ {
		assert.Equal(t, model.Heavy, classify(code))
	}
}
