// Package session loads pre-populated cookie jars for authenticated domains.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie is the on-disk cookie format, one JSON array per jar file.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
	Expires  time.Time `json:"expires,omitempty"`
}

// Store holds every loaded jar merged into one http.CookieJar. It is
// populated once and only read afterwards.
type Store struct {
	jar   *cookiejar.Jar
	names []string
	count int
}

// Empty returns a store with no cookies.
func Empty() *Store {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Store{jar: jar}
}

// Load reads every *.json file in dir as a named jar. A blank or missing
// dir yields an empty store.
func Load(dir string) (*Store, error) {
	s := Empty()
	if strings.TrimSpace(dir) == "" {
		return s, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read jar %s: %w", path, err)
		}
		var cookies []Cookie
		if err := json.Unmarshal(data, &cookies); err != nil {
			return nil, fmt.Errorf("decode jar %s: %w", path, err)
		}
		s.Add(strings.TrimSuffix(entry.Name(), ".json"), cookies)
	}
	return s, nil
}

// Add installs a named jar. Expired cookies and cookies without a domain are dropped.
func (s *Store) Add(name string, cookies []Cookie) {
	byHost := map[string][]*http.Cookie{}
	for _, c := range cookies {
		domain := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.Domain)), ".")
		if domain == "" || c.Name == "" {
			continue
		}
		if !c.Expires.IsZero() && c.Expires.Before(time.Now()) {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		byHost[domain] = append(byHost[domain], &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			Expires:  c.Expires,
		})
	}
	for domain, list := range byHost {
		s.jar.SetCookies(&url.URL{Scheme: "https", Host: domain, Path: "/"}, list)
		s.count += len(list)
	}
	s.names = append(s.names, name)
	sort.Strings(s.names)
}

// Jar returns the merged cookie jar.
func (s *Store) Jar() http.CookieJar {
	return s.jar
}

// Names lists the loaded jar names.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

// Len reports how many cookies were installed.
func (s *Store) Len() int {
	return s.count
}
