package landing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := NewKey()
		if len(key) != keyLength {
			t.Fatalf("NewKey() length = %d, want %d", len(key), keyLength)
		}

		chars := make(map[byte]bool)
		for j := 0; j < len(key); j++ {
			c := key[j]
			if !strings.ContainsRune(keyAlphabet, rune(c)) {
				t.Fatalf("NewKey() contains %q outside the alphabet", c)
			}
			if chars[c] {
				t.Fatalf("NewKey() = %q repeats %q", key, c)
			}
			chars[c] = true
		}
		seen[key] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct keys in 100 draws", len(seen))
	}
}

func TestSampleKeywords(t *testing.T) {
	pool := "sedans, trucks, SUVs, vans, coupes"

	got := SampleKeywords(pool, 3)
	if len(got) != 3 {
		t.Fatalf("SampleKeywords() returned %d keywords, want 3", len(got))
	}

	// Selection keeps pool order and trims whitespace.
	all := []string{"sedans", "trucks", "SUVs", "vans", "coupes"}
	pos := -1
	for _, keyword := range got {
		found := -1
		for i, candidate := range all {
			if candidate == keyword {
				found = i
				break
			}
		}
		if found == -1 {
			t.Fatalf("SampleKeywords() returned %q, not in the pool", keyword)
		}
		if found <= pos {
			t.Fatalf("SampleKeywords() = %v, not in pool order", got)
		}
		pos = found
	}
}

func TestSampleKeywordsSmallPool(t *testing.T) {
	got := SampleKeywords("anaheim, irvine", 3)
	if len(got) != 2 || got[0] != "anaheim" || got[1] != "irvine" {
		t.Errorf("SampleKeywords() = %v, want the whole pool", got)
	}
}

func TestPageURL(t *testing.T) {
	g := NewGenerator("https://live.example.com/", false, testLogger())

	url := g.PageURL("Acme Motors", "Anaheim,Orange County", "used cars,new trucks,SUVs", "ab3xk9q")
	want := "https://live.example.com/acme-motors/anaheim-orange-county/used-cars/new-trucks/suvs/ab3xk9q/"
	if url != want {
		t.Errorf("PageURL() = %q, want %q", url, want)
	}
}

func TestGenerate(t *testing.T) {
	g := NewGenerator("https://live.example.com", false, testLogger())

	reserved := make(map[string]bool)
	page, err := g.Generate("acme", "sedans,trucks,suvs,vans", "anaheim,irvine,tustin", func(key string) (bool, error) {
		if reserved[key] {
			return false, nil
		}
		reserved[key] = true
		return true, nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(page.Key) != keyLength {
		t.Errorf("key length = %d, want %d", len(page.Key), keyLength)
	}
	if !reserved[page.Key] {
		t.Error("the returned key was not reserved")
	}
	if n := len(strings.Split(page.ProductKeywords, ",")); n != 3 {
		t.Errorf("product keywords = %q, want 3 entries", page.ProductKeywords)
	}
	if n := len(strings.Split(page.GeoKeywords, ",")); n != 2 {
		t.Errorf("geo keywords = %q, want 2 entries", page.GeoKeywords)
	}
	if !strings.HasPrefix(page.URL, "https://live.example.com/acme/") {
		t.Errorf("URL = %q, want the company slug first", page.URL)
	}
	if !strings.HasSuffix(page.URL, "/"+page.Key+"/") {
		t.Errorf("URL = %q, want it to end with the key", page.URL)
	}
}

func TestGenerateRetriesTakenKeys(t *testing.T) {
	g := NewGenerator("https://live.example.com", false, testLogger())

	attempts := 0
	page, err := g.Generate("acme", "sedans", "anaheim", func(key string) (bool, error) {
		attempts++
		return attempts > 2, nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("reserve attempts = %d, want 3", attempts)
	}
	if page.Key == "" {
		t.Error("Generate() returned an empty key")
	}
}

func TestGenerateMissingPrerequisites(t *testing.T) {
	g := NewGenerator("https://live.example.com", false, testLogger())
	reserve := func(string) (bool, error) { return true, nil }

	if _, err := g.Generate("", "sedans", "anaheim", reserve); err == nil {
		t.Error("Generate() with empty slug should fail")
	}
	if _, err := g.Generate("acme", "", "anaheim", reserve); err == nil {
		t.Error("Generate() with empty product pool should fail")
	}
	if _, err := g.Generate("acme", "sedans", "", reserve); err == nil {
		t.Error("Generate() with empty geo pool should fail")
	}
}

func TestWarm(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	g := NewGenerator(srv.URL, true, testLogger())
	g.Warm(context.Background(), srv.URL+"/acme/anaheim/sedans/ab3xk9q/")
	if requests != 1 {
		t.Errorf("warm requests = %d, want 1", requests)
	}

	off := NewGenerator(srv.URL, false, testLogger())
	off.Warm(context.Background(), srv.URL+"/another/")
	if requests != 1 {
		t.Errorf("warming disabled still made a request (total %d)", requests)
	}
}

func TestWarmErrorsAreSwallowed(t *testing.T) {
	g := NewGenerator("http://127.0.0.1:1", true, testLogger())
	// The port is closed; Warm must not panic or propagate the error.
	g.Warm(context.Background(), "http://127.0.0.1:1/acme/page/")
}
