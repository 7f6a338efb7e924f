// Package gitindex implements the IndexTracker from spec §4.4: it owns a
// local clone of the upstream crates index, reconciles its config.json
// against a desired value, and reports crates added since the previous
// sync. Grounded on original_source/src/index.rs (libgit2) and
// original_source/easy-git/src/lib.rs, reworked onto go-git/v5 — which has
// no rebase porcelain, so "rebase local master onto origin/master" is
// implemented as hard-reset-then-reconcile (see SPEC_FULL.md §4.4 and
// DESIGN.md).
package gitindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/APTlantis/crates-mirror/internal/crate"
)

// Error kinds from spec §7.
var (
	ErrSymbolicReference = errors.New("gitindex: HEAD is a symbolic reference")
	ErrBareRepo          = errors.New("gitindex: repository has no worktree")
	ErrConfigDecode      = errors.New("gitindex: malformed config.json")
)

const configFileName = "config.json"
const commitMessage = "Add mirror"

// Config is the crates.io-index config.json shape: a download template and
// an API base URL.
type Config struct {
	DL  string `json:"dl"`
	API string `json:"api"`
}

// Tracker owns the local clone at Path and the desired Config to enforce.
type Tracker struct {
	Path     string
	Upstream string // clone URL, used only if Path doesn't exist yet
	Desired  Config

	repo *git.Repository

	// lastSynced is the origin/master commit this Tracker last diffed up
	// to and reconciled against. Zero until the first successful Update
	// call; while it is zero, diffAddedCrates falls back to the HEAD~1
	// heuristic instead.
	lastSynced plumbing.Hash
}

// Open opens the repository at path (cloning from upstream if missing) and
// reconciles its config.json against desired, per spec §4.4 open().
func Open(path, upstream string, desired Config) (*Tracker, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("gitindex: open %s: %w", path, err)
		}
		repo, err = git.PlainClone(path, false, &git.CloneOptions{URL: upstream})
		if err != nil {
			return nil, fmt.Errorf("gitindex: clone %s: %w", upstream, err)
		}
	}

	t := &Tracker{Path: path, Upstream: upstream, Desired: desired, repo: repo}

	current, err := t.readConfig()
	if err != nil {
		return nil, err
	}
	if current != desired {
		if err := t.reconcileConfig(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tracker) configPath() string {
	return filepath.Join(t.Path, configFileName)
}

func (t *Tracker) readConfig() (Config, error) {
	b, err := os.ReadFile(t.configPath())
	if err != nil {
		return Config{}, fmt.Errorf("gitindex: read config.json: %w", err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfigDecode, err)
	}
	return c, nil
}

// reconcileConfig hard-resets the worktree to origin/master's tip, then
// rewrites config.json to Desired and commits "Add mirror" if that changed
// anything relative to the reset tree. It is the shared body of both
// open()'s reconciliation step and update()'s rebase step.
func (t *Tracker) reconcileConfig() error {
	wt, err := t.repo.Worktree()
	if err != nil {
		if errors.Is(err, git.ErrIsBareRepository) {
			return fmt.Errorf("%w", ErrBareRepo)
		}
		return fmt.Errorf("gitindex: worktree: %w", err)
	}

	originRef, err := t.originMasterRef()
	if err != nil {
		return err
	}

	if err := wt.Reset(&git.ResetOptions{Commit: originRef.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("gitindex: reset to origin/master: %w", err)
	}

	current, err := t.readConfig()
	if err != nil {
		return err
	}
	if current == t.Desired {
		return nil
	}

	pretty, err := json.MarshalIndent(t.Desired, "", "    ")
	if err != nil {
		return fmt.Errorf("gitindex: marshal desired config: %w", err)
	}
	pretty = append(pretty, '\n')
	if err := os.WriteFile(t.configPath(), pretty, 0o644); err != nil {
		return fmt.Errorf("gitindex: write config.json: %w", err)
	}

	if _, err := wt.Add(configFileName); err != nil {
		return fmt.Errorf("gitindex: stage config.json: %w", err)
	}

	sig, err := t.signature()
	if err != nil {
		return err
	}
	if _, err := wt.Commit(commitMessage, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return fmt.Errorf("gitindex: commit: %w", err)
	}
	return nil
}

func (t *Tracker) originMasterRef() (*plumbing.Reference, error) {
	ref, err := t.repo.Reference(plumbing.NewRemoteReferenceName("origin", "master"), true)
	if err != nil {
		return nil, fmt.Errorf("gitindex: resolve origin/master: %w", err)
	}
	return ref, nil
}

func (t *Tracker) signature() (*object.Signature, error) {
	name, email := "crates-mirror", "mirror@localhost"
	if cfg, err := t.repo.Config(); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}, nil
}

// localMasterHash resolves refs/heads/master to a concrete commit hash. If
// HEAD (or master) cannot be resolved to a hash — an unborn or otherwise
// symbolic branch — it returns ErrSymbolicReference, per spec §4.4's
// "Non-symbolic HEAD required" contract.
func (t *Tracker) localMasterHash() (plumbing.Hash, error) {
	ref, err := t.repo.Reference(plumbing.NewBranchReferenceName("master"), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %v", ErrSymbolicReference, err)
	}
	if ref.Type() != plumbing.HashReference {
		return plumbing.ZeroHash, ErrSymbolicReference
	}
	return ref.Hash(), nil
}

// Update fetches origin, diffs the last synced origin/master commit against
// origin/master's new tip, reconciles config.json (see package doc), and
// returns every crate.Req parsed from added index lines, in the order
// encountered. An empty diff returns an empty, non-nil slice — including
// when Update is called twice back-to-back with no upstream change, since
// lastSynced always advances to the origin tip a call has just consumed.
func (t *Tracker) Update() ([]crate.Req, error) {
	if _, err := t.localMasterHash(); err != nil {
		return nil, err
	}

	err := t.repo.Fetch(&git.FetchOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("gitindex: fetch origin: %w", err)
	}

	originRef, err := t.originMasterRef()
	if err != nil {
		return nil, err
	}

	reqs, err := t.diffAddedCrates(originRef)
	if err != nil {
		return nil, err
	}

	if err := t.reconcileConfig(); err != nil {
		return nil, err
	}

	t.lastSynced = originRef.Hash()

	return reqs, nil
}

func (t *Tracker) diffAddedCrates(originRef *plumbing.Reference) ([]crate.Req, error) {
	headHash := t.lastSynced
	if headHash == plumbing.ZeroHash {
		var err error
		headHash, err = t.resolveRevision("HEAD~1")
		if err != nil {
			// A freshly cloned repo with a single commit has no HEAD~1; diff
			// from HEAD itself instead, so only lines added upstream after
			// HEAD are reported and nothing already in HEAD counts as new.
			headHash, err = t.resolveRevision("HEAD")
			if err != nil {
				return nil, err
			}
		}
	}

	headCommit, err := t.repo.CommitObject(headHash)
	if err != nil {
		return nil, fmt.Errorf("gitindex: resolve last-synced commit: %w", err)
	}
	originCommit, err := t.repo.CommitObject(originRef.Hash())
	if err != nil {
		return nil, fmt.Errorf("gitindex: resolve origin/master commit: %w", err)
	}

	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitindex: last-synced tree: %w", err)
	}
	originTree, err := originCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitindex: origin/master tree: %w", err)
	}

	patch, err := headTree.Patch(originTree)
	if err != nil {
		return nil, fmt.Errorf("gitindex: diff trees: %w", err)
	}

	reqs := make([]crate.Req, 0)
	for _, fp := range patch.FilePatches() {
		if fp.IsBinary() {
			continue
		}
		for _, chunk := range fp.Chunks() {
			if chunk.Type() != diff.Add {
				continue
			}
			for _, line := range strings.Split(chunk.Content(), "\n") {
				line = strings.TrimRight(line, "\r")
				if line == "" {
					continue
				}
				req, ok := crate.ParseIndexLine([]byte(line))
				if !ok {
					slog.Debug("dropping unparseable index line", "line", line)
					continue
				}
				reqs = append(reqs, req)
			}
		}
	}
	return reqs, nil
}

func (t *Tracker) resolveRevision(rev string) (plumbing.Hash, error) {
	h, err := t.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitindex: resolve %s: %w", rev, err)
	}
	return *h, nil
}
