package loader

import (
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LoadAll parses paths concurrently and maps them in load order: the main
// executable (paths[0]) first, then every image after the images that link
// against it. The returned modules are in load order.
func LoadAll(mem *memory.Memory, paths ...string) ([]*Module, error) {
	if len(paths) == 0 {
		return nil, errors.New("no images to load")
	}
	images := make([]*Image, len(paths))
	var g errgroup.Group
	for idx, path := range paths {
		g.Go(func() error {
			img, err := Parse(path)
			if err != nil {
				return err
			}
			images[idx] = img
			return nil
		})
	}
	defer func() {
		for _, img := range images {
			if img != nil {
				img.Close()
			}
		}
	}()
	if err := g.Wait(); err != nil {
		return nil, err
	}

	order, err := Order(images)
	if err != nil {
		return nil, err
	}
	var mods []*Module
	for _, img := range order {
		m, err := img.Map(mem)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to map %s", img.Name)
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// Order sorts images so that every image precedes the images it links
// against. Ties keep their input order.
func Order(images []*Image) ([]*Image, error) {
	g := graph.New(graph.IntHash, graph.Directed(), graph.PreventCycles())
	for idx := range images {
		if err := g.AddVertex(idx); err != nil {
			return nil, errors.Wrap(err, "failed to add image vertex")
		}
	}
	for from, img := range images {
		for _, dylib := range img.File.ImportedLibraries() {
			to := provider(images, dylib)
			if to < 0 || to == from {
				continue
			}
			if err := g.AddEdge(from, to); err != nil {
				if errors.Is(err, graph.ErrEdgeAlreadyExists) {
					continue
				}
				if errors.Is(err, graph.ErrEdgeCreatesCycle) {
					return nil, loadError(img.Path, DependencyCycle, "%s and %s link against each other", img.Name, images[to].Name)
				}
				return nil, errors.Wrap(err, "failed to add dependency edge")
			}
			log.Debugf("%s links against %s", img.Name, images[to].Name)
		}
	}
	idxs, err := graph.StableTopologicalSort(g, func(a, b int) bool { return a < b })
	if err != nil {
		return nil, errors.Wrap(err, "failed to order images")
	}
	out := make([]*Image, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, images[idx])
	}
	return out, nil
}

// provider returns the index of the image whose install name matches a
// LC_LOAD_DYLIB path, or -1 for libraries the host provides.
func provider(images []*Image, dylib string) int {
	for idx, img := range images {
		if img.ID != "" && img.ID == dylib {
			return idx
		}
	}
	base := filepath.Base(dylib)
	for idx, img := range images {
		if img.Name == base || (img.ID != "" && filepath.Base(img.ID) == base) {
			return idx
		}
	}
	return -1
}
