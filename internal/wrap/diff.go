package wrap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aoc/cockpit/internal/envelope"
)

// maxDiffSummaryFiles caps the file list in a diff summary (spec §4.7
// "caps file list at 500").
const maxDiffSummaryFiles = envelope.MaxFilesListLen

// GitDiffer resolves diff summaries and unified patches from a git
// working tree via the local git binary (spec §4.7 "Diff summary",
// "Diff patch").
type GitDiffer struct {
	root string
}

// NewGitDiffer resolves the git repo root containing dir, grounded on the
// teacher's exec.CommandContext(ctx, "git", ...) shell-out pattern.
func NewGitDiffer(ctx context.Context, dir string) (*GitDiffer, error) {
	root, err := gitRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &GitDiffer{root: root}, nil
}

func gitRoot(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Summary runs `git diff --numstat` (staged and unstaged) plus
// `git status --porcelain` for untracked files and merges the results by
// path, capped at maxDiffSummaryFiles (spec §4.7 "Diff summary").
func (g *GitDiffer) Summary(ctx context.Context) (envelope.DiffSummaryPayload, error) {
	byPath := map[string]*envelope.DiffFileStat{}
	order := []string{}

	addStat := func(path string, added, removed int, untracked bool) {
		st, ok := byPath[path]
		if !ok {
			st = &envelope.DiffFileStat{Path: path}
			byPath[path] = st
			order = append(order, path)
		}
		st.Added += added
		st.Removed += removed
		st.Untracked = st.Untracked || untracked
	}

	for _, args := range [][]string{
		{"-C", g.root, "diff", "--numstat"},
		{"-C", g.root, "diff", "--numstat", "--cached"},
	} {
		out, err := exec.CommandContext(ctx, "git", args...).Output()
		if err != nil {
			return envelope.DiffSummaryPayload{}, err
		}
		scanner := bufio.NewScanner(bytes.NewReader(out))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 3 {
				continue
			}
			added, _ := strconv.Atoi(fields[0])
			removed, _ := strconv.Atoi(fields[1])
			addStat(fields[2], added, removed, false)
		}
	}

	statusOut, err := exec.CommandContext(ctx, "git", "-C", g.root, "status", "--porcelain").Output()
	if err != nil {
		return envelope.DiffSummaryPayload{}, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(statusOut))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 || !strings.HasPrefix(line, "??") {
			continue
		}
		addStat(strings.TrimSpace(line[3:]), 0, 0, true)
	}

	payload := envelope.DiffSummaryPayload{GitAvail: true}
	if len(order) > maxDiffSummaryFiles {
		order = order[:maxDiffSummaryFiles]
	}
	for _, path := range order {
		st := *byPath[path]
		payload.Files = append(payload.Files, st)
		payload.TotalAdded += st.Added
		payload.TotalRemove += st.Removed
	}
	return payload, nil
}

// UnavailableSummary builds the fallback payload for non-git or errored
// repositories (spec §4.7: "{git_available: false, reason:
// \"git_missing\"|\"not_git_repo\"|\"error\"}").
func UnavailableSummary(reason string) envelope.DiffSummaryPayload {
	return envelope.DiffSummaryPayload{GitAvail: false, Reason: reason}
}

// Patch resolves one diff_patch_request into a response payload (spec
// §4.7 "Diff patch (request/response)").
func (g *GitDiffer) Patch(ctx context.Context, req envelope.DiffPatchRequestPayload) envelope.DiffPatchResponsePayload {
	resp := envelope.DiffPatchResponsePayload{AgentID: req.AgentID, Path: req.Path}

	relPath, err := g.repoRelative(req.Path)
	if err != nil {
		resp.Reason = "not_found"
		return resp
	}
	resp.Path = relPath

	untracked, binary, err := g.pathStatus(ctx, relPath)
	if err != nil {
		resp.Reason = "error"
		return resp
	}
	if untracked && !req.IncludeUntracked {
		resp.Reason = "untracked_excluded"
		return resp
	}
	if binary {
		resp.Reason = "binary"
		return resp
	}

	ctxLines := req.ContextLines
	if ctxLines <= 0 {
		ctxLines = 3
	}
	args := []string{"-C", g.root, "diff", "--unified=" + strconv.Itoa(ctxLines), "HEAD", "--", relPath}
	if untracked {
		args = []string{"-C", g.root, "diff", "--unified=" + strconv.Itoa(ctxLines), "--no-index", "/dev/null", relPath}
	}
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil && len(out) == 0 {
		resp.Reason = "error"
		return resp
	}
	if len(out) > envelope.MaxPatchBytes {
		resp.Reason = "patch_too_large"
		return resp
	}
	resp.Patch = string(out)
	resp.Available = true
	return resp
}

var errOutsideRepo = errors.New("path escapes repository root")

func (g *GitDiffer) repoRelative(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(path) {
		abs = filepath.Join(g.root, path)
	}
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRepo
	}
	return filepath.ToSlash(rel), nil
}

func (g *GitDiffer) pathStatus(ctx context.Context, relPath string) (untracked, binary bool, err error) {
	out, err := exec.CommandContext(ctx, "git", "-C", g.root, "status", "--porcelain", "--", relPath).Output()
	if err != nil {
		return false, false, err
	}
	if strings.HasPrefix(strings.TrimSpace(string(out)), "??") {
		untracked = true
	}
	attrOut, err := exec.CommandContext(ctx, "git", "-C", g.root, "diff", "--numstat", "--", relPath).Output()
	if err == nil && strings.Contains(string(attrOut), "-\t-\t") {
		binary = true
	}
	return untracked, binary, nil
}
