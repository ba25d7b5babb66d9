// Package serve answers prediction requests from active models, with
// a TTL cache keyed by request fingerprint.
package serve

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// fingerprintPrecision is the rounding applied to feature values
// before hashing, so float noise below it cannot split cache entries.
const fingerprintPrecision = 1e6

// Fingerprint computes a canonical 128-bit hash of a prediction
// request's inputs. Feature names are sorted and values rounded to six
// decimal places, so semantically identical requests always collide.
func Fingerprint(features map[string]float64, horizonDays int, confidenceLevel float64) string {
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)

	h := murmur3.New128()
	var buf [8]byte

	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(roundValue(features[name])))
		h.Write(buf[:])
	}

	h.Write([]byte("|h:" + strconv.Itoa(horizonDays)))
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(roundValue(confidenceLevel)))
	h.Write(buf[:])

	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// CacheKey builds the cache key for one model and request fingerprint.
func CacheKey(model, fingerprint string) string {
	return model + ":" + fingerprint
}

// roundValue snaps a value to the fingerprint precision. Negative zero
// normalizes to zero so -0.0 and 0.0 share a fingerprint.
func roundValue(v float64) float64 {
	r := math.Round(v*fingerprintPrecision) / fingerprintPrecision
	if r == 0 {
		return 0
	}
	return r
}
