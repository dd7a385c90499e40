// Package cookies loads browser-exported cookies.txt files so page scraping
// can reuse an existing session. Consent and age walls served to anonymous
// clients often disappear with a logged-in cookie set.
package cookies

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Parse reads the Netscape cookies.txt format:
// domain flag path secure expiration name value, tab separated.
// Malformed lines are skipped, not fatal.
func Parse(r io.Reader) ([]*http.Cookie, error) {
	var out []*http.Cookie
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		expires, _ := strconv.ParseInt(fields[4], 10, 64)
		out = append(out, &http.Cookie{
			Domain:  fields[0],
			Path:    fields[2],
			Secure:  strings.EqualFold(fields[3], "TRUE"),
			Expires: time.Unix(expires, 0),
			Name:    fields[5],
			Value:   fields[6],
		})
	}
	return out, scanner.Err()
}

// NewJar builds a cookie jar seeded from the cookies.txt file at path.
// Cookies are registered against their own domains so the jar serves them to
// whichever hosts the extraction pipeline talks to.
func NewJar(path string) (http.CookieJar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close()

	parsed, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse cookie file %s: %w", path, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	byDomain := make(map[string][]*http.Cookie)
	for _, c := range parsed {
		host := strings.TrimPrefix(c.Domain, ".")
		byDomain[host] = append(byDomain[host], c)
	}
	for host, cs := range byDomain {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host}, cs)
	}
	return jar, nil
}
