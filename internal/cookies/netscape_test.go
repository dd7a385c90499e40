package cookies

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleFile = `# Netscape HTTP Cookie File
# This is a generated file.

.youtube.com	TRUE	/	TRUE	1893456000	CONSENT	YES+cb
.youtube.com	TRUE	/	FALSE	1893456000	PREF	hl=en
malformed line without tabs
.example.org	TRUE	/api	TRUE	1893456000	session	abc123
`

func TestParse(t *testing.T) {
	got, err := Parse(strings.NewReader(sampleFile))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Parse() returned %d cookies, want 3", len(got))
	}
	if got[0].Name != "CONSENT" || got[0].Value != "YES+cb" {
		t.Errorf("first cookie = %s=%s, want CONSENT=YES+cb", got[0].Name, got[0].Value)
	}
	if !got[0].Secure {
		t.Error("CONSENT cookie should be secure")
	}
	if got[1].Secure {
		t.Error("PREF cookie should not be secure")
	}
	if got[2].Domain != ".example.org" || got[2].Path != "/api" {
		t.Errorf("third cookie domain/path = %s%s, want .example.org/api", got[2].Domain, got[2].Path)
	}
}

func TestParse_EmptyInput(t *testing.T) {
	got, err := Parse(strings.NewReader("# only comments\n\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Parse() returned %d cookies, want 0", len(got))
	}
}

func TestNewJar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(path, []byte(sampleFile), 0o600); err != nil {
		t.Fatal(err)
	}

	jar, err := NewJar(path)
	if err != nil {
		t.Fatalf("NewJar() error = %v", err)
	}

	u, _ := url.Parse("https://www.youtube.com/watch?v=abc")
	cs := jar.Cookies(u)
	if len(cs) == 0 {
		t.Fatal("jar served no cookies for youtube.com")
	}
}

func TestNewJar_MissingFile(t *testing.T) {
	if _, err := NewJar(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Fatal("NewJar() on missing file should fail")
	}
}
