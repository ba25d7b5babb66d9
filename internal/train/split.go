package train

import "math/rand"

// SplitIndices partitions [0, n) into train and eval index sets using
// a seeded shuffle. The same (n, evalFraction, seed) always produces
// the same split. At least one row lands on each side when n >= 2.
func SplitIndices(n int, evalFraction float64, seed int64) (trainIdx, evalIdx []int) {
	if n <= 0 {
		return nil, nil
	}
	if n == 1 {
		return []int{0}, nil
	}

	evalCount := int(float64(n) * evalFraction)
	if evalCount < 1 {
		evalCount = 1
	}
	if evalCount >= n {
		evalCount = n - 1
	}

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)

	evalIdx = append(evalIdx, perm[:evalCount]...)
	trainIdx = append(trainIdx, perm[evalCount:]...)
	return trainIdx, evalIdx
}
