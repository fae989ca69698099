package baseline

import (
	"bytes"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"

	"fluxweaver/internal/artifact"
	"fluxweaver/internal/config"
	"fluxweaver/internal/core"
)

// splits holds row indices into the combined dataset. Only rows with an
// observed target appear in any set; test rows never appear in train or
// validation sets.
type splits struct {
	train [][]int64
	val   [][]int64
	test  []int64
}

// makeSplits partitions the observed rows of y.
//
// random: a seeded shuffle holds out the test set, then each split reshuffles
// the remainder with its own stream and holds out a validation set.
// blocked: the last observed rows form the test set and each split's
// validation set is a contiguous window sliding across the remainder.
//
// Both set sizes are test_fraction of the rows they are drawn from.
func makeSplits(y []float64, cfg config.PipelineConfig) (*splits, error) {
	var observed []int64
	for i, v := range y {
		if core.Observed(v) {
			observed = append(observed, int64(i))
		}
	}
	n := len(observed)
	testSize := fractionOf(n, cfg.TestFraction)
	if n-testSize < 2 {
		return nil, errors.Errorf("%d observed rows are too few to split", n)
	}

	out := &splits{}
	var rest []int64
	switch cfg.SplitMethod {
	case config.SplitRandom:
		perm := append([]int64(nil), observed...)
		rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0))
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		out.test = sorted(perm[:testSize])
		rest = sorted(perm[testSize:])
	case config.SplitBlocked:
		out.test = sorted(observed[n-testSize:])
		rest = sorted(observed[:n-testSize])
	default:
		return nil, errors.Errorf("unknown split method %q", cfg.SplitMethod)
	}

	valSize := fractionOf(len(rest), cfg.TestFraction)
	for i := 0; i < cfg.NumSplits; i++ {
		var val, train []int64
		switch cfg.SplitMethod {
		case config.SplitRandom:
			perm := append([]int64(nil), rest...)
			rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(i+1)))
			rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
			val, train = perm[:valSize], perm[valSize:]
		case config.SplitBlocked:
			start := 0
			if cfg.NumSplits > 1 {
				start = i * (len(rest) - valSize) / (cfg.NumSplits - 1)
			}
			val = rest[start : start+valSize]
			train = append(append([]int64(nil), rest[:start]...), rest[start+valSize:]...)
		}
		out.val = append(out.val, sorted(val))
		out.train = append(out.train, sorted(train))
	}
	return out, nil
}

// fractionOf returns round(n*f) clamped to [1, n-1].
func fractionOf(n int, f float64) int {
	k := int(math.Round(float64(n) * f))
	if k < 1 {
		k = 1
	}
	if k > n-1 {
		k = n - 1
	}
	return k
}

func sorted(xs []int64) []int64 {
	out := append([]int64(nil), xs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func writeIndex(store artifact.Store, p string, idx []int64) error {
	var buf bytes.Buffer
	if err := npyio.Write(&buf, idx); err != nil {
		return errors.Wrapf(err, "encoding %s", p)
	}
	if err := store.WriteFile(p, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "writing %s", p)
	}
	return nil
}

// readIndex loads an index file and checks every entry addresses a row.
func readIndex(store artifact.Store, p string, rows int) ([]int, error) {
	data, err := store.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", p)
	}
	var idx []int64
	if err := npyio.Read(bytes.NewReader(data), &idx); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", p)
	}
	out := make([]int, len(idx))
	for i, v := range idx {
		if v < 0 || v >= int64(rows) {
			return nil, errors.Errorf("%s: index %d out of range for %d rows", p, v, rows)
		}
		out[i] = int(v)
	}
	return out, nil
}

func (s *splits) write(store artifact.Store, l artifact.Layout) error {
	for i := range s.train {
		if err := writeIndex(store, l.TrainIndex(i), s.train[i]); err != nil {
			return err
		}
		if err := writeIndex(store, l.ValIndex(i), s.val[i]); err != nil {
			return err
		}
	}
	return writeIndex(store, l.TestIndex(), s.test)
}
