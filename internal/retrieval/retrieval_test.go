package retrieval

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	p := NewParser("", "")
	tests := []struct {
		name  string
		reply string
		want  Directive
	}{
		{
			name:  "plain text",
			reply: "Photosynthesis converts light to chemical energy.",
			want:  Directive{},
		},
		{
			name:  "request",
			reply: "<SSR_response><SSR_requesting_content><PrimaryKeys> a , b,c </PrimaryKeys></SSR_requesting_content></SSR_response>",
			want:  Directive{Requested: true, Keys: []string{"a", "b", "c"}},
		},
		{
			name:  "answer only",
			reply: "<SSR_response><answer>The answer is 42.</answer></SSR_response>",
			want:  Directive{Answer: "The answer is 42."},
		},
		{
			name:  "request block without keys",
			reply: "<SSR_response><SSR_requesting_content></SSR_requesting_content><answer>fallback</answer></SSR_response>",
			want:  Directive{Answer: "fallback"},
		},
		{
			name:  "blank keys",
			reply: "<SSR_response><SSR_requesting_content><PrimaryKeys>   </PrimaryKeys></SSR_requesting_content><answer>x</answer></SSR_response>",
			want:  Directive{Answer: "x"},
		},
		{
			name:  "only commas",
			reply: "<SSR_response><SSR_requesting_content><PrimaryKeys>, ,</PrimaryKeys></SSR_requesting_content></SSR_response>",
			want:  Directive{Requested: true, Keys: []string{"", "", ""}},
		},
		{
			name:  "empty key kept",
			reply: "<SSR_response><SSR_requesting_content><PrimaryKeys>a,,b</PrimaryKeys></SSR_requesting_content></SSR_response>",
			want:  Directive{Requested: true, Keys: []string{"a", "", "b"}},
		},
		{
			name:  "style mentioned inside answer",
			reply: "<SSR_response><answer>Put CSS inside a <style> element.</answer></SSR_response>",
			want:  Directive{Answer: "Put CSS inside a  element."},
		},
		{
			name:  "title mentioned before request",
			reply: "I should mention the <title> tag. <SSR_response><SSR_requesting_content><PrimaryKeys>html_basics</PrimaryKeys></SSR_requesting_content></SSR_response>",
			want:  Directive{Requested: true, Keys: []string{"html_basics"}},
		},
		{
			name:  "script and textarea inside answer",
			reply: "<SSR_response><answer>Use <script> for code and <textarea> for input.</answer></SSR_response>",
			want:  Directive{Answer: "Use  for code and  for input."},
		},
		{
			name:  "response without answer",
			reply: "<SSR_response>just text</SSR_response>",
			want:  Directive{},
		},
		{
			name:  "case insensitive",
			reply: "<ssr_RESPONSE><ssr_requesting_content><primarykeys>k1</primarykeys></ssr_requesting_content></ssr_RESPONSE>",
			want:  Directive{Requested: true, Keys: []string{"k1"}},
		},
		{
			name:  "surrounding prose and unclosed tags",
			reply: "Sure! <SSR_response><answer>Line one\n<b>bold</b> and more",
			want:  Directive{Answer: "Line one\nbold and more"},
		},
		{
			name:  "entities decoded",
			reply: "<SSR_response><answer>a &lt; b &amp;&amp; c</answer></SSR_response>",
			want:  Directive{Answer: "a < b && c"},
		},
		{
			name:  "stray end tag ignored",
			reply: "<SSR_response></div><answer>ok</answer></SSR_response>",
			want:  Directive{Answer: "ok"},
		},
		{
			name:  "request wins over answer",
			reply: "<SSR_response><answer>partial</answer><SSR_requesting_content><PrimaryKeys>k</PrimaryKeys></SSR_requesting_content></SSR_response>",
			want:  Directive{Requested: true, Keys: []string{"k"}},
		},
		{
			name:  "self closing keys",
			reply: "<SSR_response><SSR_requesting_content><PrimaryKeys/></SSR_requesting_content><answer>y</answer></SSR_response>",
			want:  Directive{Answer: "y"},
		},
		{
			name:  "cdata",
			reply: "<SSR_response><answer><![CDATA[x <y> z]]></answer></SSR_response>",
			want:  Directive{Answer: "x <y> z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(tt.reply)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	p := NewParser("Reply", "Need")
	for _, keys := range [][]string{{"one"}, {"one", "two"}, {"a-b", "c_d", "e f"}} {
		reply := "<Reply><Need><PrimaryKeys>" + strings.Join(keys, ", ") + "</PrimaryKeys></Need></Reply>"
		got := p.Parse(reply)
		if !got.Requested || !reflect.DeepEqual(got.Keys, keys) {
			t.Errorf("Parse(%q) = %+v", reply, got)
		}
	}
}

type mapFetcher map[string]string

func (m mapFetcher) Reference(_ context.Context, _ string, key string) (string, bool) {
	text, ok := m[key]
	return text, ok
}

func TestLoad(t *testing.T) {
	fetch := mapFetcher{
		"small":  "tiny",
		"big":    strings.Repeat("x", 50),
		"medium": strings.Repeat("m", 8),
		"empty":  "",
	}
	tests := []struct {
		name   string
		keys   []string
		budget int
		loaded []string
		failed []string
		bytes  int
	}{
		{"first always loaded", []string{"big"}, 10, []string{"big"}, nil, 50},
		{"second rejected", []string{"big", "small"}, 10, []string{"big"}, []string{"small"}, 50},
		{"fits exactly", []string{"small", "medium"}, 12, []string{"small", "medium"}, nil, 12},
		{"one byte over", []string{"small", "medium"}, 11, []string{"small"}, []string{"medium"}, 4},
		{"missing", []string{"nope", "small"}, 100, []string{"small"}, []string{"nope"}, 4},
		{"empty is missing", []string{"empty"}, 100, nil, []string{"empty"}, 0},
		{"blank key is missing", []string{"small", "", "medium"}, 100, []string{"small", "medium"}, []string{""}, 12},
		{"later fits after reject", []string{"small", "big", "medium"}, 12, []string{"small", "medium"}, []string{"big"}, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(fetch, tt.budget, nil)
			res := l.Load(context.Background(), "bio", tt.keys)
			if !reflect.DeepEqual(res.Loaded, tt.loaded) {
				t.Errorf("Loaded = %v, want %v", res.Loaded, tt.loaded)
			}
			if !reflect.DeepEqual(res.Failed, tt.failed) {
				t.Errorf("Failed = %v, want %v", res.Failed, tt.failed)
			}
			if res.Bytes != tt.bytes {
				t.Errorf("Bytes = %d, want %d", res.Bytes, tt.bytes)
			}
			if !strings.HasPrefix(res.Blob, "<ssrcontents>") || !strings.HasSuffix(res.Blob, "</ssrcontents>") {
				t.Errorf("Blob not wrapped: %q", res.Blob)
			}
		})
	}
}

func TestLoad_Fragments(t *testing.T) {
	l := NewLoader(mapFetcher{"a": "alpha", "b": strings.Repeat("b", 20)}, 10, nil)
	res := l.Load(context.Background(), "c", []string{"a", "b", "zzz"})

	want := "<ssrcontents>" +
		"\n<ssrcontent name='a'>\nalpha\n</ssrcontent>\n" +
		"<ssrcontent name='b'>Failed to Load this because SSR Content size exceeded.</ssrcontent>\n" +
		"<ssrcontent name='zzz'>No Content by this name Exists</ssrcontent>\n" +
		"</ssrcontents>"
	if res.Blob != want {
		t.Errorf("Blob =\n%q\nwant\n%q", res.Blob, want)
	}
	if res.Status != "Loaded SSR Content a for this request only." {
		t.Errorf("Status = %q", res.Status)
	}
}
