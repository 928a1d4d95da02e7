// Package retrieval implements the reference-content side of a tutoring
// turn: recognising when the model asks for more material instead of
// answering, and loading that material within a byte budget.
//
// The model signals its intent with a small XML-like block:
//
//	<SSR_response>
//	  <SSR_requesting_content>
//	    <PrimaryKeys>photosynthesis, chlorophyll</PrimaryKeys>
//	  </SSR_requesting_content>
//	  <answer>...</answer>
//	</SSR_response>
//
// Model output is rarely well formed, so the block is read with a
// forgiving tag scanner and any malformed or partial block is treated as
// a plain answer rather than an error.
package retrieval

import (
	"strings"

	"golang.org/x/net/html"
)

// Default tag names of the request protocol.
const (
	DefaultResponseTag = "SSR_response"
	DefaultRequestTag  = "SSR_requesting_content"

	primaryKeysTag = "PrimaryKeys"
	answerTag      = "answer"
)

// Directive is the parsed intent of one model reply.
type Directive struct {
	// Requested is true when the reply asks for reference content.
	Requested bool
	// Keys are the requested content keys, trimmed, in reply order.
	Keys []string
	// Answer is the text of the answer element when no content was
	// requested. It is empty when the reply has no response block.
	Answer string
}

// Parser extracts a Directive from model replies.
type Parser struct {
	ResponseTag string
	RequestTag  string
}

// NewParser returns a parser for the given tag names, falling back to
// the defaults for empty values.
func NewParser(responseTag, requestTag string) Parser {
	if responseTag == "" {
		responseTag = DefaultResponseTag
	}
	if requestTag == "" {
		requestTag = DefaultRequestTag
	}
	return Parser{ResponseTag: responseTag, RequestTag: requestTag}
}

// Parse reads reply. The fallback order is:
//
//  1. no response block: no request, empty answer;
//  2. no request block inside it: no request, answer element text;
//  3. no (or blank) PrimaryKeys inside the request block: as 2;
//  4. otherwise a request for the comma-separated keys.
func (p Parser) Parse(reply string) Directive {
	root := scan(reply)

	resp := root.find(p.ResponseTag)
	if resp == nil {
		return Directive{}
	}

	fallback := func() Directive {
		var answer string
		if a := resp.find(answerTag); a != nil {
			answer = a.text()
		}
		return Directive{Answer: answer}
	}

	req := resp.find(p.RequestTag)
	if req == nil {
		return fallback()
	}
	pk := req.find(primaryKeysTag)
	if pk == nil {
		return fallback()
	}
	raw := strings.TrimSpace(pk.text())
	if raw == "" {
		return fallback()
	}

	// Empty entries ("a,,b") are kept and load as missing content.
	keys := strings.Split(raw, ",")
	for i, k := range keys {
		keys[i] = strings.TrimSpace(k)
	}
	return Directive{Requested: true, Keys: keys}
}

// node is an element or, when name is empty, a text run.
type node struct {
	name     string
	data     string
	children []*node
}

// find returns the first descendant element named name (compared
// case-insensitively) in document order.
func (n *node) find(name string) *node {
	for _, c := range n.children {
		if c.name != "" && strings.EqualFold(c.name, name) {
			return c
		}
		if found := c.find(name); found != nil {
			return found
		}
	}
	return nil
}

// text concatenates every text descendant.
func (n *node) text() string {
	var b strings.Builder
	n.writeText(&b)
	return b.String()
}

func (n *node) writeText(b *strings.Builder) {
	if n.name == "" {
		b.WriteString(n.data)
		return
	}
	for _, c := range n.children {
		c.writeText(b)
	}
}

// scan builds an element tree from s. Unclosed elements end at end of
// input and end tags without a matching open element are ignored. Every
// start tag is followed by ordinary markup, so <style>, <title>,
// <script> and the other HTML raw text elements do not swallow the
// rest of the reply.
func scan(s string) *node {
	root := &node{name: "#root"}
	stack := []*node{root}
	top := func() *node { return stack[len(stack)-1] }

	z := html.NewTokenizer(strings.NewReader(s))
	z.AllowCDATA(true)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a tokenizer failure; either way the tree so far
			// is all there is.
			return root
		case html.TextToken:
			tok := z.Token()
			top().children = append(top().children, &node{data: tok.Data})
		case html.StartTagToken:
			tok := z.Token()
			z.NextIsNotRawText()
			el := &node{name: tok.Data}
			top().children = append(top().children, el)
			stack = append(stack, el)
		case html.SelfClosingTagToken:
			tok := z.Token()
			top().children = append(top().children, &node{name: tok.Data})
		case html.EndTagToken:
			tok := z.Token()
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].name == tok.Data {
					stack = stack[:i]
					break
				}
			}
		}
	}
}
