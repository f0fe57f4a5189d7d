package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Engine evaluates operations against an atomically-swappable rule set.
// The rule set pointer is swapped wholesale on reload so readers never
// observe a partially-updated set; no lock is needed beyond the swap.
type Engine struct {
	rules atomicRuleSet
}

// NewEngine creates an engine with the given initial rule set.
func NewEngine(rs *RuleSet) *Engine {
	e := &Engine{}
	if rs == nil {
		rs = DefaultRuleSet()
	}
	e.rules.Store(rs)
	return e
}

// Reload atomically replaces the active rule set.
func (e *Engine) Reload(rs *RuleSet) {
	if rs == nil {
		return
	}
	e.rules.Store(rs)
}

// RuleSet returns the currently active rule set.
func (e *Engine) RuleSet() *RuleSet {
	return e.rules.Load()
}

// Evaluate is pure: identical rule set + identical operation always yields
// an identical result, and no I/O is performed.
func (e *Engine) Evaluate(op Operation) Result {
	rs := e.rules.Load()
	switch op.Type {
	case OpTypeFile:
		return e.evaluateFile(rs, op)
	case OpTypeNetwork:
		return evaluateNetwork(rs, op)
	case OpTypeShell:
		return e.evaluateShell(rs, op)
	default:
		return Result{Decision: DecisionBlock, Reason: "invalid operation"}
	}
}

// evaluateFile walks the file rule list in order; first match wins.
func (e *Engine) evaluateFile(rs *RuleSet, op Operation) Result {
	if op.Path == "" || op.FileOp == "" {
		return Result{Decision: DecisionBlock, Reason: "invalid operation"}
	}
	path := normalizePath(op.Path)
	if r, ok := matchFileRule(rs, path, op.FileOp); ok {
		return Result{Decision: r.Decision, Reason: r.Reason, MatchedRule: r.ID}
	}
	return Result{Decision: normalizedDefault(rs.File.Default), Reason: "default", MatchedRule: ""}
}

func matchFileRule(rs *RuleSet, path string, fileOp FileOp) (FileRule, bool) {
	for _, r := range rs.File.Rules {
		if !r.allows(fileOp) {
			continue
		}
		if matchGlob(r.Pattern, path) {
			return r, true
		}
	}
	return FileRule{}, false
}

func evaluateNetwork(rs *RuleSet, op Operation) Result {
	if op.Host == "" {
		return Result{Decision: DecisionBlock, Reason: "invalid operation"}
	}
	host := normalizeHost(op.Host)
	for _, r := range rs.Network.Rules {
		if !matchGlob(r.HostPattern, host) {
			continue
		}
		if r.hasPortRange() && op.Port != 0 {
			if op.Port < r.PortMin || (r.PortMax != 0 && op.Port > r.PortMax) {
				continue
			}
		}
		if r.Scheme != "" && op.Scheme != "" && !strings.EqualFold(r.Scheme, op.Scheme) {
			continue
		}
		return Result{Decision: r.Decision, Reason: r.Reason, MatchedRule: r.ID}
	}
	return Result{Decision: normalizedDefault(rs.Network.Default), Reason: "default"}
}

// fileTouchingCommands maps a command basename to the file operation(s) its
// non-flag arguments imply, used by the shell->file cross-domain check.
var fileTouchingCommands = map[string][]FileOp{
	"cat":       {FileOpRead},
	"head":      {FileOpRead},
	"tail":      {FileOpRead},
	"less":      {FileOpRead},
	"more":      {FileOpRead},
	"cp":        {FileOpRead, FileOpWrite},
	"mv":        {FileOpRead, FileOpWrite, FileOpDelete},
	"rm":        {FileOpDelete},
	"chmod":     {FileOpWrite},
	"chown":     {FileOpWrite},
	"vi":        {FileOpRead, FileOpWrite},
	"vim":       {FileOpRead, FileOpWrite},
	"nano":      {FileOpRead, FileOpWrite},
	"code":      {FileOpRead, FileOpWrite},
	"open":      {FileOpRead},
	"xdg-open":  {FileOpRead},
	"scp":       {FileOpRead, FileOpWrite},
	"rsync":     {FileOpRead, FileOpWrite},
	"tar":       {FileOpRead, FileOpWrite},
	"zip":       {FileOpRead, FileOpWrite},
	"unzip":     {FileOpRead, FileOpWrite},
	"gzip":      {FileOpRead, FileOpWrite},
	"gunzip":    {FileOpRead, FileOpWrite},
	"base64":    {FileOpRead},
}

func (e *Engine) evaluateShell(rs *RuleSet, op Operation) Result {
	argv := op.Argv
	if len(argv) == 0 {
		if op.Command == "" {
			return Result{Decision: DecisionBlock, Reason: "invalid operation"}
		}
		var err error
		argv, err = tokenizeCommand(op.Command)
		if err != nil || len(argv) == 0 {
			return Result{Decision: DecisionBlock, Reason: "invalid operation"}
		}
	}

	base := filepath.Base(argv[0])
	line := op.Command
	if line == "" {
		line = strings.Join(argv, " ")
	}

	shellResult := Result{Decision: normalizedDefault(rs.Shell.Default), Reason: "default"}
	for _, r := range rs.Shell.Rules {
		if matchGlob(r.CommandPattern, base) || matchGlob(r.CommandPattern, line) {
			shellResult = Result{Decision: r.Decision, Reason: r.Reason, MatchedRule: r.ID}
			break
		}
	}

	// Cross-domain check: file-touching commands extract path arguments and
	// are evaluated against the file rule list. A block there overrides any
	// shell-level allow, regardless of where the shell match came from. The
	// rule's own pattern is reported rather than its reason text so the
	// denial names exactly what matched, e.g. "file block — **/.ssh/**".
	if fileOps, ok := fileTouchingCommands[base]; ok {
		for _, arg := range argv[1:] {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			path := normalizePath(arg)
			for _, fop := range fileOps {
				if r, matched := matchFileRule(rs, path, fop); matched && r.Decision == DecisionBlock {
					return Result{
						Decision:    DecisionBlock,
						Reason:      fmt.Sprintf("file block — %s", r.Pattern),
						MatchedRule: r.ID,
					}
				}
			}
		}
	}

	return shellResult
}

// normalizePath resolves "~", then collapses ".." only after conceptually
// resolving symlinks (filepath.Clean + expansion here; callers that need
// true on-disk symlink resolution should pass an already-resolved path —
// the engine itself performs no filesystem I/O).
func normalizePath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Clean(p)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimSuffix(h, ".")
}

// tokenizeCommand splits a command line respecting single and double quotes.
func tokenizeCommand(cmd string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	hasTok := false

	flush := func() {
		if hasTok {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasTok = false
		}
	}

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle, hasTok = true, true
		case c == '"':
			inDouble, hasTok = true, true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
			hasTok = true
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	flush()
	return tokens, nil
}
