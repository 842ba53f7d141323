// Package validator screens Python code for restricted operations before it
// is allowed anywhere near an executor. Rules run over the reduced tree from
// pyast; each rule reports every offending construct it finds, in source
// order, so verdicts are deterministic for a given input.
package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/codexec/backend/internal/pyast"
)

// Verdict is the aggregate outcome of all rules. OK holds exactly when
// Errors is empty.
type Verdict struct {
	OK       bool     `json:"validationPassed"`
	Errors   []string `json:"validationErrors"`
	Warnings []string `json:"validationWarnings"`
}

// Rule inspects the reduced tree and returns one message per violation.
type Rule interface {
	Name() string
	Check(root *pyast.Node) []string
}

// Validator runs the rule pipeline.
type Validator struct {
	analyzer *pyast.Analyzer
	rules    []Rule
}

// New builds a validator with the built-in rule set and the default import
// allowlist.
func New() *Validator {
	return NewWithAllowlist(nil)
}

// NewWithAllowlist overrides the import allowlist; nil selects the default.
// The prohibited-module set always applies regardless of the allowlist.
func NewWithAllowlist(allowlist map[string]struct{}) *Validator {
	return &Validator{
		analyzer: pyast.NewAnalyzer(),
		rules: []Rule{
			noFileIORule{},
			noOSCommandsRule{},
			noNetworkRule{},
			newImportRule(allowlist),
		},
	}
}

// Validate parses and checks the code. Bad syntax never surfaces as an
// error return; the verdict carries the parse failure instead.
func (v *Validator) Validate(ctx context.Context, code string) Verdict {
	root, err := v.analyzer.Parse(ctx, code)
	if err != nil {
		return Verdict{
			OK:       false,
			Errors:   []string{fmt.Sprintf("Syntax error: %v", err)},
			Warnings: []string{},
		}
	}

	verdict := Verdict{Errors: []string{}, Warnings: []string{}}
	for _, rule := range v.rules {
		verdict.Errors = append(verdict.Errors, rule.Check(root)...)
	}
	verdict.OK = len(verdict.Errors) == 0
	return verdict
}

// fileOperations are call names treated as file access.
var fileOperations = set("open", "read", "write", "file")

type noFileIORule struct{}

func (noFileIORule) Name() string { return "NoFileIO" }

func (noFileIORule) Check(root *pyast.Node) []string {
	var errs []string
	root.Walk(func(n *pyast.Node) {
		switch n.Kind {
		case pyast.KindCall:
			if _, bad := fileOperations[n.Name]; bad {
				errs = append(errs, "File I/O operation not allowed: "+n.Name)
			}
		case pyast.KindWith:
			for _, call := range n.ContextCalls {
				if call == "open" {
					errs = append(errs, "File I/O operation not allowed: open (in with statement)")
				}
			}
		}
	})
	return errs
}

var (
	osOperations = set("system", "popen", "exec", "eval", "compile", "__import__")
	osModules    = set("os", "subprocess", "commands")
)

type noOSCommandsRule struct{}

func (noOSCommandsRule) Name() string { return "NoOSCommands" }

func (noOSCommandsRule) Check(root *pyast.Node) []string {
	var errs []string
	root.Walk(func(n *pyast.Node) {
		if n.Kind != pyast.KindCall {
			return
		}
		if _, bad := osOperations[n.Name]; bad {
			errs = append(errs, "OS command execution not allowed: "+n.Name)
		}
		if n.Root != "" {
			if _, bad := osModules[n.Root]; bad {
				errs = append(errs, fmt.Sprintf("OS command execution not allowed: %s.%s", n.Root, n.Name))
			}
		}
	})
	return errs
}

var (
	networkOperations = set("socket", "urlopen", "request", "get", "post", "put", "delete", "patch")
	networkModules    = set("socket", "urllib", "urllib2", "urllib3", "requests", "http", "httplib", "httplib2", "aiohttp")
)

type noNetworkRule struct{}

func (noNetworkRule) Name() string { return "NoNetwork" }

func (noNetworkRule) Check(root *pyast.Node) []string {
	var errs []string
	root.Walk(func(n *pyast.Node) {
		if n.Kind != pyast.KindCall {
			return
		}
		if _, bad := networkOperations[n.Name]; bad {
			errs = append(errs, "Network operation not allowed: "+n.Name)
		}
		if n.Root != "" {
			if _, bad := networkModules[n.Root]; bad {
				errs = append(errs, fmt.Sprintf("Network operation not allowed: %s.%s", n.Root, n.Name))
			}
		}
	})
	return errs
}

// defaultAllowlist names the modules generated code may import.
var defaultAllowlist = set(
	"math", "random", "datetime", "json", "re", "collections", "itertools",
	"functools", "operator", "string", "decimal", "fractions", "statistics",
	"typing", "dataclasses", "enum", "copy", "pprint", "textwrap",
	"unicodedata", "hashlib", "hmac", "secrets", "uuid", "time", "calendar",
	"zoneinfo",
)

// prohibitedModules are rejected even when an allowlist names them.
var prohibitedModules = set(
	"os", "sys", "subprocess", "socket", "urllib", "urllib2", "urllib3",
	"requests", "http", "httplib", "httplib2", "aiohttp", "io", "pathlib",
	"shutil", "tempfile", "glob", "pickle", "shelve", "dbm", "sqlite3",
	"ctypes", "multiprocessing", "threading", "asyncio", "concurrent",
	"__builtin__", "builtins", "importlib",
)

type importRule struct {
	allowlist map[string]struct{}
}

func newImportRule(allowlist map[string]struct{}) importRule {
	if allowlist == nil {
		allowlist = defaultAllowlist
	}
	return importRule{allowlist: allowlist}
}

func (importRule) Name() string { return "ImportAllowlist" }

func (r importRule) Check(root *pyast.Node) []string {
	var errs []string
	root.Walk(func(n *pyast.Node) {
		switch n.Kind {
		case pyast.KindImport:
			for _, module := range n.Modules {
				if msg := r.checkModule(module); msg != "" {
					errs = append(errs, msg)
				}
			}
		case pyast.KindImportFrom:
			if n.Wildcard {
				errs = append(errs, "Wildcard import not allowed: "+n.Root)
			}
			if n.Root != "" {
				if msg := r.checkModule(n.Root); msg != "" {
					errs = append(errs, msg)
				}
			}
		}
	})
	return errs
}

// checkModule decides on the base segment of a dotted name. Prohibition wins
// over the allowlist.
func (r importRule) checkModule(dotted string) string {
	base := dotted
	if i := strings.IndexByte(dotted, '.'); i >= 0 {
		base = dotted[:i]
	}
	if _, bad := prohibitedModules[base]; bad {
		return "Unauthorized import detected: " + dotted
	}
	if _, ok := r.allowlist[base]; !ok {
		return "Unauthorized import detected: " + dotted
	}
	return ""
}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, s := range items {
		m[s] = struct{}{}
	}
	return m
}
