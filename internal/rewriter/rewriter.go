// Package rewriter implements the streaming HTML cosmetic-injection rewriter
// (spec component E): it scans a response body for element id/class
// attributes while forwarding every original byte immediately, and injects
// a hiding/styling block just before the first matching "</html>" or
// "</body>" close tag in document order.
package rewriter

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"privaxy-go/internal/engine"
)

// cosmeticClient is the subset of engine.Client the rewriter depends on,
// so it can be exercised with an in-memory fake in tests (spec §9 "dynamic
// dispatch … satisfied by interface abstraction").
type cosmeticClient interface {
	Cosmetic(ctx context.Context, url string, ids, classes []string) (engine.CosmeticResult, error)
}

const marker = "<!-- privaxy proxy -->"

// Rewrite streams body to w, forwarding every byte as it is parsed and
// injecting the cosmetic block at the first document-order "</html>" or
// "</body>" end tag. It reports whether the response should be counted as
// modified: true iff the cosmetic result carried non-empty style selectors
// or a non-empty injected script (never for hiding-only responses).
//
// Rewrite never buffers the whole body: tokens are written to w as soon as
// they are parsed, and the cosmetic query is only issued once the matching
// end tag is reached.
func Rewrite(ctx context.Context, w io.Writer, body io.Reader, pageURL string, client cosmeticClient) (modified bool, err error) {
	z := html.NewTokenizer(body)
	ids := map[string]bool{}
	classes := map[string]bool{}
	injected := false

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return modified, fmt.Errorf("rewriter: tokenize: %w", err)
			}
			return modified, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			collectAttrs(z, ids, classes)
			if _, werr := w.Write(z.Raw()); werr != nil {
				return modified, werr
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !injected && (tag == "html" || tag == "body") {
				injected = true
				res, qerr := client.Cosmetic(ctx, pageURL, setToSlice(ids), setToSlice(classes))
				if qerr != nil {
					return modified, fmt.Errorf("rewriter: cosmetic query: %w", qerr)
				}
				modified = len(res.StyleSelectors) > 0 || res.InjectedScript != ""
				if _, werr := w.Write(buildInjection(res)); werr != nil {
					return modified, werr
				}
			}
			if _, werr := w.Write(z.Raw()); werr != nil {
				return modified, werr
			}

		default:
			if _, werr := w.Write(z.Raw()); werr != nil {
				return modified, werr
			}
		}
	}
}

func collectAttrs(z *html.Tokenizer, ids, classes map[string]bool) {
	tok := z.Token()
	for _, a := range tok.Attr {
		switch a.Key {
		case "id":
			if a.Val != "" {
				ids[a.Val] = true
			}
		case "class":
			for _, c := range strings.Fields(a.Val) {
				classes[c] = true
			}
		}
	}
}

func setToSlice(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// buildInjection renders the byte-exact injection block described in spec
// §4.E: a comment-wrapped <style> block for hidden/styled selectors,
// followed by an optional comment-wrapped <script> block.
func buildInjection(res engine.CosmeticResult) []byte {
	var b strings.Builder

	var hidden strings.Builder
	for _, s := range res.HiddenSelectors {
		hidden.WriteString(s)
		hidden.WriteString(" { display: none !important; }")
	}
	var styled strings.Builder
	for s, decls := range res.StyleSelectors {
		styled.WriteString(s)
		styled.WriteString(" { ")
		styled.WriteString(decls)
		styled.WriteString(" }")
	}

	b.WriteString(marker)
	b.WriteByte('\n')
	b.WriteString("<style>")
	b.WriteString(hidden.String())
	b.WriteByte('\n')
	b.WriteString(styled.String())
	b.WriteByte('\n')
	b.WriteString("</style>\n")
	b.WriteString(marker)
	b.WriteByte('\n')

	if res.InjectedScript != "" {
		b.WriteString(marker)
		b.WriteByte('\n')
		b.WriteString(`<script type="application/javascript">`)
		b.WriteString(res.InjectedScript)
		b.WriteString("</script>\n")
		b.WriteString(marker)
		b.WriteByte('\n')
	}

	return []byte(b.String())
}
