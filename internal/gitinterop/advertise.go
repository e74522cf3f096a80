package gitinterop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/repolock"
)

// maxTagDepth bounds how many tag-of-tag hops are followed when peeling.
const maxTagDepth = 16

// RefAdvertiser renders the `info/refs` response for a repository.
type RefAdvertiser struct {
	locks *repolock.Table
}

func NewRefAdvertiser(locks *repolock.Table) *RefAdvertiser {
	return &RefAdvertiser{locks: locks}
}

// Advertise takes a read guard on repo and returns the complete advertisement body.
func (a *RefAdvertiser) Advertise(ctx context.Context, repo *models.Repository, service Service) ([]byte, error) {
	guard, err := a.locks.AcquireRead(ctx, repo.Name)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return a.Render(repo.StoragePath, service)
}

type advertisedRef struct {
	name   string
	hash   plumbing.Hash
	peeled plumbing.Hash
}

// Render builds the advertisement for the bare repository at dir. The caller must hold at
// least a read guard for it.
func (a *RefAdvertiser) Render(dir string, service Service) ([]byte, error) {
	if _, ok := ParseService(string(service)); !ok {
		return nil, fmt.Errorf("unsupported service %q", service)
	}
	refs, head, err := enumerateRefs(dir, service)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefEnumerationFailed, err)
	}

	out := newPktBuffer()
	out.linef("# service=%s\n", service)
	out.flush()

	caps := service.Capabilities()
	if head != "" {
		caps = append([]string{"symref=HEAD:" + head}, caps...)
	}
	capLine := strings.Join(caps, " ")

	switch {
	case len(refs) > 0:
		for i, ref := range refs {
			if i == 0 {
				out.linef("%s %s\x00%s\n", ref.hash, ref.name, capLine)
			} else {
				out.linef("%s %s\n", ref.hash, ref.name)
			}
			if !ref.peeled.IsZero() {
				out.linef("%s %s^{}\n", ref.peeled, ref.name)
			}
		}
	case service == ReceivePack:
		// Pushes into an empty repository still need the capability list.
		out.linef("%s capabilities^{}\x00%s\n", zeroHash, capLine)
	}
	out.flush()

	body, err := out.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefEnumerationFailed, err)
	}
	return body, nil
}

// enumerateRefs returns HEAD (upload-pack only, when it resolves) followed by every hash
// ref sorted by name. head is the symbolic target of HEAD when it resolves.
func enumerateRefs(dir string, service Service) ([]advertisedRef, string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, "", err
	}

	iter, err := repo.References()
	if err != nil {
		return nil, "", err
	}
	var refs []advertisedRef
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference || ref.Name() == plumbing.HEAD {
			return nil
		}
		peeled, err := peelTag(repo, ref.Hash())
		if err != nil {
			return fmt.Errorf("peel %s: %w", ref.Name(), err)
		}
		refs = append(refs, advertisedRef{name: ref.Name().String(), hash: ref.Hash(), peeled: peeled})
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].name < refs[j].name })

	if service != UploadPack {
		return refs, "", nil
	}
	headRef, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return refs, "", nil
		}
		return nil, "", err
	}
	resolved, err := repo.Reference(plumbing.HEAD, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// Unborn HEAD, e.g. a fresh repository.
			return refs, "", nil
		}
		return nil, "", err
	}
	var target string
	if headRef.Type() == plumbing.SymbolicReference {
		target = headRef.Target().String()
	}
	head := advertisedRef{name: plumbing.HEAD.String(), hash: resolved.Hash()}
	return append([]advertisedRef{head}, refs...), target, nil
}

// peelTag returns the object an annotated tag ultimately points to, or the zero hash when
// hash is not an annotated tag.
func peelTag(repo *git.Repository, hash plumbing.Hash) (plumbing.Hash, error) {
	tag, err := repo.TagObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return plumbing.ZeroHash, nil
		}
		return plumbing.ZeroHash, err
	}
	for depth := 0; depth < maxTagDepth; depth++ {
		if tag.TargetType != plumbing.TagObject {
			return tag.Target, nil
		}
		next, err := repo.TagObject(tag.Target)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tag = next
	}
	return plumbing.ZeroHash, fmt.Errorf("tag chain deeper than %d", maxTagDepth)
}
