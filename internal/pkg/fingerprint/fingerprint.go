// Package fingerprint turns normalized content into an exact hash and a
// minhash sketch whose bands drive candidate lookup in the duplicate index.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"karmaguard/internal/pkg/models"
)

// Bumped whenever the seed derivation or band hashing changes. Records written
// under another version cannot be compared with fresh sketches.
const SeedVersion = 1

const (
	DefaultK     = 128
	DefaultBands = 32

	masterSeed uint64 = 0x6b61726d61677561 // "karmagua"
)

type Fingerprint struct {
	ExactHash string
	Signature []uint64
	// One key per band, empty when the content has no shingles.
	Bands []uint64
	// Sorted unique shingle hashes.
	Shingles []uint64
}

type Engine struct {
	k     int
	bands int
	rows  int
	seeds []uint64
}

func NewEngine(k, bands int) (*Engine, error) {
	if k <= 0 || bands <= 0 || k%bands != 0 {
		return nil, fmt.Errorf("invalid minhash parameters k=%d bands=%d", k, bands)
	}
	return &Engine{
		k:     k,
		bands: bands,
		rows:  k / bands,
		seeds: seeds(k),
	}, nil
}

func (e *Engine) K() int     { return e.k }
func (e *Engine) Bands() int { return e.bands }
func (e *Engine) Rows() int  { return e.rows }

// Fingerprints normalized content. Deterministic across processes.
func (e *Engine) Fingerprint(content models.NormalizedContent) Fingerprint {
	shingles := HashShingles(content.Shingles)
	sig := e.Signature(shingles)
	return Fingerprint{
		ExactHash: ExactHash(content.TitleTokens, content.Link),
		Signature: sig,
		Bands:     e.BandKeys(sig),
		Shingles:  shingles,
	}
}

// SHA-256 of the normalized title and canonical link.
func ExactHash(titleTokens []string, link string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(titleTokens, " ")))
	h.Write([]byte{0})
	h.Write([]byte(link))
	return hex.EncodeToString(h.Sum(nil))
}

// Hashes each shingle and returns the sorted, deduplicated set.
func HashShingles(shingles []string) []uint64 {
	if len(shingles) == 0 {
		return nil
	}
	hashes := make([]uint64, 0, len(shingles))
	for _, s := range shingles {
		hashes = append(hashes, xxhash.Sum64String(s))
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	unique := hashes[:1]
	for _, h := range hashes[1:] {
		if h != unique[len(unique)-1] {
			unique = append(unique, h)
		}
	}
	return unique
}

// Minhash sketch of a shingle hash set. An empty set yields all MaxUint64.
func (e *Engine) Signature(shingles []uint64) []uint64 {
	sig := make([]uint64, e.k)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for _, h := range shingles {
		for i, seed := range e.seeds {
			if v := mix64(h ^ seed); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Hashes each band of rows values together with its index. A signature of
// an empty set has no band keys so empty posts never collide.
func (e *Engine) BandKeys(sig []uint64) []uint64 {
	if len(sig) != e.k || isEmptySignature(sig) {
		return nil
	}
	keys := make([]uint64, e.bands)
	buf := make([]byte, 8*(e.rows+1))
	for b := 0; b < e.bands; b++ {
		binary.LittleEndian.PutUint64(buf, uint64(b))
		for r := 0; r < e.rows; r++ {
			binary.LittleEndian.PutUint64(buf[8*(r+1):], sig[b*e.rows+r])
		}
		keys[b] = xxhash.Sum64(buf)
	}
	return keys
}

// Exact Jaccard similarity of two sorted unique hash sets.
func Jaccard(a, b []uint64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	i, j, inter := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Fraction of agreeing sketch positions; an estimate of Jaccard similarity.
func EstimateJaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) || isEmptySignature(a) || isEmptySignature(b) {
		return 0
	}
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

func isEmptySignature(sig []uint64) bool {
	for _, v := range sig {
		if v != math.MaxUint64 {
			return false
		}
	}
	return true
}

func seeds(k int) []uint64 {
	out := make([]uint64, k)
	state := masterSeed
	for i := range out {
		state += 0x9e3779b97f4a7c15
		out[i] = mix64(state)
	}
	return out
}

// splitmix64 finalizer
func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
