package fingerprint

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// LoadProxyFile reads one proxy URL per line. Blank lines and lines starting
// with '#' are skipped; a missing scheme defaults to http.
func LoadProxyFile(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path.
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()
	return ParseProxyList(f)
}

// ParseProxyList parses proxy lines from r and de-duplicates them.
func ParseProxyList(r io.Reader) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "://") {
			line = "http://" + line
		}
		u, err := url.Parse(line)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("proxy line %d: invalid proxy %q", lineNo, line)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("proxy line %d: unsupported scheme %q", lineNo, u.Scheme)
		}
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		out = append(out, u.String())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return out, nil
}
