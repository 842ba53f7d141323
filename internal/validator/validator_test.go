package validator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validate(t *testing.T, code string) Verdict {
	t.Helper()
	return New().Validate(context.Background(), code)
}

func TestCleanCodePasses(t *testing.T) {
	v := validate(t, "import math\nprint(math.sqrt(16))\n")

	assert.True(t, v.OK)
	assert.Empty(t, v.Errors)
}

func TestOKIffNoErrors(t *testing.T) {
	for _, code := range []string{
		"print(1)",
		"import os",
		"open('x')",
	} {
		v := validate(t, code)
		assert.Equal(t, len(v.Errors) == 0, v.OK, "code: %s", code)
	}
}

func TestFileIODetection(t *testing.T) {
	cases := map[string]string{
		"direct open":     "open('data.txt')",
		"method read":     "f.read()",
		"method write":    "f.write('x')",
		"with open":       "with open('f') as f:\n    pass\n",
		"with open alias": "with open('f'):\n    pass\n",
	}
	for name, code := range cases {
		t.Run(name, func(t *testing.T) {
			v := validate(t, code)
			require.False(t, v.OK)
			assert.Contains(t, strings.Join(v.Errors, "\n"), "File I/O operation not allowed")
		})
	}
}

func TestWithOpenReportsBothFindings(t *testing.T) {
	v := validate(t, "with open('f') as f:\n    pass\n")

	joined := strings.Join(v.Errors, "\n")
	assert.Contains(t, joined, "File I/O operation not allowed: open")
	assert.Contains(t, joined, "open (in with statement)")
}

func TestOSCommandDetection(t *testing.T) {
	cases := map[string]string{
		"eval":        "eval('1+1')",
		"exec":        "exec('x=1')",
		"compile":     "compile('x', 'f', 'exec')",
		"dunder":      "__import__('os')",
		"os system":   "import os\nos.system('ls')",
		"subprocess":  "import subprocess\nsubprocess.run(['ls'])",
		"method attr": "shell.popen('ls')",
	}
	for name, code := range cases {
		t.Run(name, func(t *testing.T) {
			v := validate(t, code)
			require.False(t, v.OK)
			joined := strings.Join(v.Errors, "\n")
			assert.True(t,
				strings.Contains(joined, "OS command execution not allowed") ||
					strings.Contains(joined, "Unauthorized import detected"),
				"errors: %v", v.Errors)
		})
	}
}

func TestOSModuleAttributePatternFlagged(t *testing.T) {
	// subprocess.run is flagged through the module pattern even though
	// "run" itself is not a restricted name.
	v := validate(t, "subprocess.run(['ls'])")

	assert.Contains(t, strings.Join(v.Errors, "\n"), "OS command execution not allowed: subprocess.run")
}

func TestNetworkDetection(t *testing.T) {
	cases := map[string]string{
		"socket call":   "socket()",
		"urlopen":       "urlopen('http://x')",
		"requests get":  "requests.get('http://x')",
		"http verbs":    "client.post('/path')",
		"module import": "import requests",
	}
	for name, code := range cases {
		t.Run(name, func(t *testing.T) {
			v := validate(t, code)
			require.False(t, v.OK, "errors: %v", v.Errors)
		})
	}
}

func TestImportAllowlist(t *testing.T) {
	allowed := []string{"math", "random", "datetime", "json", "re",
		"collections", "itertools", "functools", "hashlib", "uuid", "time"}
	for _, module := range allowed {
		v := validate(t, "import "+module)
		assert.True(t, v.OK, "module %s should be allowed: %v", module, v.Errors)
	}

	denied := []string{"os", "sys", "subprocess", "pickle", "ctypes",
		"importlib", "numpy", "somelib"}
	for _, module := range denied {
		v := validate(t, "import "+module)
		require.False(t, v.OK, "module %s should be denied", module)
		assert.Contains(t, strings.Join(v.Errors, "\n"), "Unauthorized import detected: "+module)
	}
}

func TestProhibitionBeatsAllowlist(t *testing.T) {
	custom := map[string]struct{}{"os": {}, "math": {}}
	v := NewWithAllowlist(custom).Validate(context.Background(), "import os")

	require.False(t, v.OK)
	assert.Contains(t, v.Errors[0], "Unauthorized import detected: os")
}

func TestDottedImportChecksBaseSegment(t *testing.T) {
	v := validate(t, "import os.path")

	require.False(t, v.OK)
	assert.Contains(t, v.Errors[0], "Unauthorized import detected: os.path")
}

func TestImportFromChecked(t *testing.T) {
	v := validate(t, "from os import path")
	assert.False(t, v.OK)

	v = validate(t, "from collections import Counter")
	assert.True(t, v.OK, "errors: %v", v.Errors)
}

func TestWildcardImportRejected(t *testing.T) {
	v := validate(t, "from math import *")

	require.False(t, v.OK)
	assert.Contains(t, strings.Join(v.Errors, "\n"), "Wildcard import not allowed: math")
}

func TestSyntaxErrorVerdict(t *testing.T) {
	v := validate(t, "def broken(:\n")

	require.False(t, v.OK)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "Syntax error")
}

func TestVerdictDeterministic(t *testing.T) {
	code := "import os\nimport pickle\nopen('x')\nrequests.get('u')\n"
	first := validate(t, code)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, validate(t, code))
	}
}

func TestMultipleViolationsAllReported(t *testing.T) {
	v := validate(t, "import os\nopen('f')\neval('x')\n")

	require.False(t, v.OK)
	assert.GreaterOrEqual(t, len(v.Errors), 3)
}
