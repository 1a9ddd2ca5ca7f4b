package wrap

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/aoc/cockpit/internal/envelope"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestGitDiffer_Summary_TracksModifiedAndUntracked(t *testing.T) {
	dir := initGitRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("new file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	differ, err := NewGitDiffer(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := differ.Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !summary.GitAvail {
		t.Fatal("expected git_available=true")
	}
	if len(summary.Files) != 2 {
		t.Fatalf("Files = %+v, want 2 entries", summary.Files)
	}
	var sawModified, sawUntracked bool
	for _, f := range summary.Files {
		if f.Path == "a.txt" && f.Added == 1 {
			sawModified = true
		}
		if f.Path == "b.txt" && f.Untracked {
			sawUntracked = true
		}
	}
	if !sawModified || !sawUntracked {
		t.Fatalf("summary = %+v, want modified a.txt and untracked b.txt", summary)
	}
}

func TestGitDiffer_Patch_TrackedFile(t *testing.T) {
	dir := initGitRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	differ, err := NewGitDiffer(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	resp := differ.Patch(context.Background(), diffReq("a.txt"))
	if !resp.Available {
		t.Fatalf("resp = %+v, want available patch", resp)
	}
	if resp.Patch == "" {
		t.Fatal("expected non-empty patch text")
	}
}

func TestGitDiffer_Patch_UntrackedExcludedByDefault(t *testing.T) {
	dir := initGitRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	differ, err := NewGitDiffer(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	resp := differ.Patch(context.Background(), diffReq("new.txt"))
	if resp.Available || resp.Reason != "untracked_excluded" {
		t.Fatalf("resp = %+v, want untracked_excluded", resp)
	}
}

func TestGitDiffer_Patch_UntrackedIncluded(t *testing.T) {
	dir := initGitRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	differ, err := NewGitDiffer(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	req := diffReq("new.txt")
	req.IncludeUntracked = true
	resp := differ.Patch(context.Background(), req)
	if !resp.Available {
		t.Fatalf("resp = %+v, want available patch for included untracked file", resp)
	}
}

func TestGitDiffer_Patch_PathOutsideRepo(t *testing.T) {
	dir := initGitRepo(t)
	differ, err := NewGitDiffer(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	resp := differ.Patch(context.Background(), diffReq("/etc/passwd"))
	if resp.Available || resp.Reason != "not_found" {
		t.Fatalf("resp = %+v, want not_found for out-of-repo path", resp)
	}
}

func TestNewGitDiffer_NotARepo(t *testing.T) {
	if _, err := NewGitDiffer(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected an error for a non-git directory")
	}
}

func diffReq(path string) envelope.DiffPatchRequestPayload {
	return envelope.DiffPatchRequestPayload{Path: path}
}
