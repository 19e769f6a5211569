package fingerprint

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/normalizer"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultK, DefaultBands)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func TestNewEngineRejectsUnevenBands(t *testing.T) {
	if _, err := NewEngine(100, 32); err == nil {
		t.Error("Expected error when k is not a multiple of bands")
	}
	if _, err := NewEngine(0, 1); err == nil {
		t.Error("Expected error for k=0")
	}
	e := newTestEngine(t)
	if e.Rows() != 4 {
		t.Errorf("Expected 4 rows per band, got %d", e.Rows())
	}
}

// Posts with the same normalized title and link share an exact hash.
func TestExactHashEqualForEquivalentPosts(t *testing.T) {
	e := newTestEngine(t)
	n := normalizer.New(5)

	a := e.Fingerprint(n.Normalize(models.Post{Title: "Free energy device!!", Link: "https://example.com/device"}))
	b := e.Fingerprint(n.Normalize(models.Post{Title: "free energy device", Link: "http://www.example.com/device?utm_source=x&fbclid=1"}))
	c := e.Fingerprint(n.Normalize(models.Post{Title: "free energy device", Link: "https://example.com/other"}))

	if a.ExactHash != b.ExactHash {
		t.Errorf("Expected equal exact hashes, got %s and %s", a.ExactHash, b.ExactHash)
	}
	if a.ExactHash == c.ExactHash {
		t.Error("Expected different links to produce different exact hashes")
	}
	for i := range a.Bands {
		if a.Bands[i] != b.Bands[i] {
			t.Fatalf("Expected identical band keys at %d", i)
		}
	}
}

func TestExactHashSeparatesTitleFromLink(t *testing.T) {
	if ExactHash([]string{"a"}, "b") == ExactHash([]string{"ab"}, "") {
		t.Error("Expected separator between title and link")
	}
}

func TestEmptyContentHasNoBandKeys(t *testing.T) {
	e := newTestEngine(t)
	fp := e.Fingerprint(models.NormalizedContent{})
	if len(fp.Bands) != 0 {
		t.Errorf("Expected no band keys, got %d", len(fp.Bands))
	}
	for _, v := range fp.Signature {
		if v != math.MaxUint64 {
			t.Fatal("Expected empty signature to be all MaxUint64")
		}
	}
}

func TestJaccard(t *testing.T) {
	a := []uint64{1, 2, 3, 4}
	b := []uint64{2, 3, 4, 5}
	if got := Jaccard(a, b); got != 0.6 {
		t.Errorf("Expected 0.6, got %f", got)
	}
	if got := Jaccard(a, a); got != 1 {
		t.Errorf("Expected 1, got %f", got)
	}
	if got := Jaccard(nil, nil); got != 0 {
		t.Errorf("Expected 0 for empty sets, got %f", got)
	}
}

func TestHashShinglesDeduplicates(t *testing.T) {
	hashes := HashShingles([]string{"b", "a", "b"})
	if len(hashes) != 2 {
		t.Fatalf("Expected 2 unique hashes, got %d", len(hashes))
	}
	if hashes[0] >= hashes[1] {
		t.Error("Expected sorted hashes")
	}
}

func syntheticPair(rng *rand.Rand, size, replaced int) ([]string, []string) {
	a := make([]string, size)
	for i := range a {
		a[i] = fmt.Sprintf("shingle-%d", rng.Int63())
	}
	b := append([]string(nil), a...)
	for i := 0; i < replaced; i++ {
		b[i] = fmt.Sprintf("other-%d", rng.Int63())
	}
	return a, b
}

func sharesBand(a, b []uint64) bool {
	for i := range a {
		if a[i] == b[i] {
			return true
		}
	}
	return false
}

// Pairs with Jaccard >= 0.9 must share a band with probability >= 0.99.
func TestBandingRecallAtHighSimilarity(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))

	const trials = 1000
	hits := 0
	for i := 0; i < trials; i++ {
		// 95 shared out of 105 distinct: J ~= 0.905
		a, b := syntheticPair(rng, 100, 5)
		ha, hb := HashShingles(a), HashShingles(b)
		if j := Jaccard(ha, hb); j < 0.9 {
			t.Fatalf("Synthetic pair below target similarity: %f", j)
		}
		if sharesBand(e.BandKeys(e.Signature(ha)), e.BandKeys(e.Signature(hb))) {
			hits++
		}
	}
	if rate := float64(hits) / trials; rate < 0.99 {
		t.Errorf("Expected banding recall >= 0.99, got %f", rate)
	}
}

// Unrelated content should almost never collide.
func TestBandingRejectsUnrelatedContent(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(7))

	collisions := 0
	for i := 0; i < 500; i++ {
		a, b := syntheticPair(rng, 50, 50)
		if sharesBand(e.BandKeys(e.Signature(HashShingles(a))), e.BandKeys(e.Signature(HashShingles(b)))) {
			collisions++
		}
	}
	if collisions > 5 {
		t.Errorf("Expected almost no collisions for disjoint sets, got %d", collisions)
	}
}

func TestEstimateJaccardTracksExact(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(3))

	a, b := syntheticPair(rng, 100, 40)
	ha, hb := HashShingles(a), HashShingles(b)
	exact := Jaccard(ha, hb)
	estimate := EstimateJaccard(e.Signature(ha), e.Signature(hb))
	if math.Abs(exact-estimate) > 0.15 {
		t.Errorf("Estimate %f too far from exact %f", estimate, exact)
	}
	if got := EstimateJaccard(e.Signature(nil), e.Signature(nil)); got != 0 {
		t.Errorf("Expected 0 for empty signatures, got %f", got)
	}
}
