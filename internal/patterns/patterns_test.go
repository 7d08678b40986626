package patterns

import (
	"testing"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(4, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestAnchor(t *testing.T) {
	cases := map[string]string{
		"hi":      "^hi",
		"^hi":     "^hi",
		"/menu$":  "^/menu$",
		"":        "^",
		"(a|b).*": "^(a|b).*",
	}
	for in, want := range cases {
		if got := Anchor(in); got != want {
			t.Errorf("Anchor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompile_Memoizes(t *testing.T) {
	c := newCache(t)
	a, err := c.Compile("^hi")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := c.Compile("^hi")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a != b {
		t.Fatalf("expected the cached expression to be reused")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", c.Len())
	}
}

func TestCompile_ErrorNotCached(t *testing.T) {
	c := newCache(t)
	if _, err := c.Compile("^(unclosed"); err == nil {
		t.Fatalf("expected compile error")
	}
	if c.Len() != 0 {
		t.Fatalf("failed compiles must not be cached")
	}
}

func TestCompile_Bounded(t *testing.T) {
	c := newCache(t)
	for _, p := range []string{"^a", "^b", "^c", "^d", "^e", "^f"} {
		if _, err := c.Compile(p); err != nil {
			t.Fatalf("compile %s: %v", p, err)
		}
	}
	if c.Len() != 4 {
		t.Fatalf("expected LRU bound of 4, got %d", c.Len())
	}
}

func TestSearch_AnchoredPrefixNotFullMatch(t *testing.T) {
	c := newCache(t)
	re, _ := c.Compile(Anchor("menu"))
	if m, err := Search(re, "menu extra"); err != nil || m == nil {
		t.Fatalf("expected prefix match, got %v %v", m, err)
	}
	if m, _ := Search(re, "the menu"); m != nil {
		t.Fatalf("expected no match when pattern is not at the start")
	}
}

func TestSearch_DotMatchesNewline(t *testing.T) {
	c := newCache(t)
	re, _ := c.Compile(Anchor("say (.+)"))
	m, err := Search(re, "say line one\nline two")
	if err != nil || m == nil {
		t.Fatalf("expected match across newline, got %v %v", m, err)
	}
	if m.Groups[0] != "line one\nline two" {
		t.Fatalf("unexpected group %q", m.Groups[0])
	}
}

func TestSearch_GroupsAndNamed(t *testing.T) {
	c := newCache(t)
	re, err := c.Compile(Anchor(`weather (?P<city>\w+)( tomorrow)?`))
	if err != nil {
		t.Fatalf("compile python-style group: %v", err)
	}
	m, _ := Search(re, "weather paris")
	if m == nil {
		t.Fatalf("expected match")
	}
	if m.Named["city"] != "paris" {
		t.Fatalf("expected named group city=paris, got %#v", m.Named)
	}
	if len(m.Groups) != 2 {
		t.Fatalf("expected two groups, got %#v", m.Groups)
	}
	for _, g := range m.Groups {
		if g != "paris" && g != "" {
			t.Fatalf("unexpected group value %q", g)
		}
	}
}

func TestSearch_PythonBackreference(t *testing.T) {
	c := newCache(t)
	re, err := c.Compile(`^(?P<w>\w+) (?P=w)$`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if m, _ := Search(re, "echo echo"); m == nil {
		t.Fatalf("expected backreference match")
	}
	if m, _ := Search(re, "echo other"); m != nil {
		t.Fatalf("expected no match")
	}
}
