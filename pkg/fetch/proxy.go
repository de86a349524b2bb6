package fetch

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// Proxy is one outbound HTTP proxy
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Address returns host:port
func (p Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy as an http:// URL with credentials when present
func (p Proxy) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Address()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// ParseProxyLine parses "host:port" or "host:port:user:pass"
func ParseProxyLine(line string) (Proxy, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
		return Proxy{}, fmt.Errorf("%w: proxy line %q, expected host:port[:user:pass]", utils.ErrParsing, line)
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port < 1 || port > 65535 {
		return Proxy{}, fmt.Errorf("%w: proxy line %q has invalid port", utils.ErrParsing, line)
	}
	p := Proxy{Host: strings.TrimSpace(parts[0]), Port: port}
	if len(parts) > 2 {
		p.Username = strings.TrimSpace(parts[2])
	}
	if len(parts) > 3 {
		// Passwords may themselves contain ':'
		p.Password = strings.TrimSpace(strings.Join(parts[3:], ":"))
	}
	return p, nil
}

// ProxyPool hands out proxies round-robin. A nil or empty pool means direct connections.
type ProxyPool struct {
	proxies []Proxy
	next    atomic.Uint64
}

// NewProxyPool creates a pool over a fixed proxy list
func NewProxyPool(proxies []Proxy) *ProxyPool {
	return &ProxyPool{proxies: append([]Proxy(nil), proxies...)}
}

// LoadProxyPool reads one proxy per line from path. Blank lines and '#' comments are skipped,
// malformed lines are logged and ignored.
func LoadProxyPool(path string, log *logrus.Entry) (*ProxyPool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening proxy file %s: %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()

	var proxies []Proxy
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseProxyLine(line)
		if err != nil {
			log.WithField("line", lineNo).Warn(err.Error())
			continue
		}
		proxies = append(proxies, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading proxy file %s: %w", utils.ErrFilesystem, path, err)
	}

	if len(proxies) == 0 {
		log.Warnf("Proxy file %s contains no usable proxies, connecting directly", path)
	} else {
		log.Infof("Loaded %d proxies from %s", len(proxies), path)
	}
	return NewProxyPool(proxies), nil
}

// Next returns the next proxy, or false when the pool is empty
func (p *ProxyPool) Next() (Proxy, bool) {
	if p == nil || len(p.proxies) == 0 {
		return Proxy{}, false
	}
	i := p.next.Add(1) - 1
	return p.proxies[i%uint64(len(p.proxies))], true
}

// Len returns the number of proxies in the pool
func (p *ProxyPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.proxies)
}

// Contains reports whether hostport is one of the pool's proxy addresses
func (p *ProxyPool) Contains(hostport string) bool {
	if p == nil {
		return false
	}
	for _, px := range p.proxies {
		if px.Address() == hostport {
			return true
		}
	}
	return false
}
