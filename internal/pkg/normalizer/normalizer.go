// Package normalizer canonicalizes raw posts into comparable tokens.
// Everything here is a pure function of its input; link resolution that needs
// the network lives in ShortenerResolver and runs before Normalize.
package normalizer

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"karmaguard/internal/pkg/models"
)

const DefaultShingleSize = 5

// Prefix for the extra shingle contributed by a post's canonical link.
const linkShinglePrefix = "link:"

var foldChainPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKD,
			runes.Remove(runes.In(unicode.Mn)), // accents
			runes.Remove(runes.In(unicode.Cf)), // zero-width and format chars
			width.Fold,
			cases.Fold(),
			norm.NFC,
		)
	},
}

var bodyURLPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>()\[\]"']+`)

type Normalizer struct {
	shingleSize int
}

func New(shingleSize int) *Normalizer {
	if shingleSize <= 0 {
		shingleSize = DefaultShingleSize
	}
	return &Normalizer{shingleSize: shingleSize}
}

func (n *Normalizer) ShingleSize() int { return n.shingleSize }

// Derives the canonical content of a post. Same post in, same content out.
func (n *Normalizer) Normalize(post models.Post) models.NormalizedContent {
	titleTokens := Tokenize(post.Title)
	bodyTokens := Tokenize(post.Body)

	link := ""
	if strings.TrimSpace(post.Link) != "" {
		link = CanonicalLink(post.Link)
	}

	text := strings.Join(titleTokens, " ")
	if len(bodyTokens) > 0 {
		text = strings.TrimSpace(text + " " + strings.Join(bodyTokens, " "))
	}

	shingles := Shingles(titleTokens, n.shingleSize)
	if link != "" {
		shingles = append(shingles, linkShinglePrefix+link)
	}

	return models.NormalizedContent{
		TitleTokens: titleTokens,
		Link:        link,
		Text:        text,
		Domains:     contentDomains(link, post.Body),
		Shingles:    shingles,
	}
}

// Folds case, accents and width, then splits on anything that is not a letter
// or digit. Apostrophes are dropped so "don't" and "dont" compare equal.
func Tokenize(raw string) []string {
	folded := Fold(raw)
	if folded == "" {
		return nil
	}

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range folded {
		switch {
		case r == '\'' || r == '’' || r == 'ʼ':
			continue
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// Applies the unicode folding chain to s.
func Fold(s string) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "")
	if s == "" {
		return ""
	}
	tr := foldChainPool.Get().(transform.Transformer)
	out, _, err := transform.String(tr, s)
	tr.Reset()
	foldChainPool.Put(tr)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// Overlapping windows of size consecutive tokens. Fewer tokens than size
// yields the whole sequence as the single shingle.
func Shingles(tokens []string, size int) []string {
	if len(tokens) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultShingleSize
	}
	if len(tokens) < size {
		return []string{strings.Join(tokens, " ")}
	}
	shingles := make([]string, 0, len(tokens)-size+1)
	for i := 0; i+size <= len(tokens); i++ {
		shingles = append(shingles, strings.Join(tokens[i:i+size], " "))
	}
	return shingles
}

func contentDomains(link, body string) []string {
	seen := make(map[string]struct{})
	add := func(raw string) {
		if host := Host(raw); host != "" {
			seen[host] = struct{}{}
		}
	}
	if link != "" {
		add(link)
	}
	for _, match := range bodyURLPattern.FindAllString(body, -1) {
		match = strings.TrimRight(match, ".,;:!?")
		if strings.HasPrefix(strings.ToLower(match), "www.") {
			match = "https://" + match
		}
		add(match)
	}
	if len(seen) == 0 {
		return nil
	}
	domains := make([]string, 0, len(seen))
	for d := range seen {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
