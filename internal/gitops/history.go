package gitops

import (
	"errors"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// behindCount returns how many commits reachable from upstream are not reachable from local.
// When upstream is not in the local object store it has not been fetched yet, so the
// checkout is at least one commit behind. Missing parents mark a shallow boundary.
func behindCount(repo *git.Repository, local, upstream plumbing.Hash) (int, error) {
	if local == upstream {
		return 0, nil
	}

	if _, err := repo.CommitObject(upstream); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return 1, nil
		}
		return 0, err
	}

	reachable, err := ancestors(repo, local, nil)
	if err != nil {
		return 0, err
	}
	missing, err := ancestors(repo, upstream, reachable)
	if err != nil {
		return 0, err
	}
	return len(missing), nil
}

// ancestors walks the commit graph from start, stopping at commits in stop.
func ancestors(repo *git.Repository, start plumbing.Hash, stop map[plumbing.Hash]struct{}) (map[plumbing.Hash]struct{}, error) {
	seen := make(map[plumbing.Hash]struct{})
	queue := []plumbing.Hash{start}

	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]

		if _, ok := seen[hash]; ok {
			continue
		}
		if _, ok := stop[hash]; ok {
			continue
		}

		commit, err := repo.CommitObject(hash)
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		seen[hash] = struct{}{}
		queue = append(queue, commit.ParentHashes...)
	}
	return seen, nil
}
