package routing

import "testing"

func TestClassifier_LongestPrefixWins(t *testing.T) {
	c := NewClassifier([]Rule{
		{Prefix: "/pages", Class: ClassStatic},
		{Prefix: "/pages/news", Class: ClassList},
		{Prefix: "/articles", Class: ClassList},
	})

	tests := []struct {
		path string
		want ContentClass
	}{
		{"/pages/about", ClassStatic},
		{"/pages/news", ClassList},
		{"/pages/news/2024?page=2", ClassList},
		{"/articles", ClassList},
		{"/articles-archive", ClassDynamic},
		{"/unknown", ClassDynamic},
	}
	for _, tt := range tests {
		if got := c.ClassFor(tt.path); got != tt.want {
			t.Errorf("ClassFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestClassifier_Nil(t *testing.T) {
	var c *Classifier
	if got := c.ClassFor("/pages"); got != ClassDynamic {
		t.Errorf("nil classifier = %q, want dynamic", got)
	}
}

func TestParseContentClass(t *testing.T) {
	for in, want := range map[string]ContentClass{
		"":        ClassDynamic,
		"static":  ClassStatic,
		"LIST":    ClassList,
		"dynamic": ClassDynamic,
	} {
		got, err := ParseContentClass(in)
		if err != nil {
			t.Fatalf("ParseContentClass(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseContentClass(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseContentClass("hourly"); err == nil {
		t.Error("expected error for unknown class")
	}
}
