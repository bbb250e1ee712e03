// Package ldap resolves the mail addresses of cluster users from a
// directory server.
package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	gldap "github.com/go-ldap/ldap/v3"
	str2duration "github.com/xhit/go-str2duration/v2"

	"gpuquota/config"
	"gpuquota/internal/pkg/model"
)

// mailCacheTTL bounds how long a looked up address (or its absence) is
// reused. The monitor asks for the same users every cycle.
const mailCacheTTL = time.Hour

// ErrNoMail is returned when the directory has no address for a user.
var ErrNoMail = errors.New("no mail address in directory")

// searcher is the part of *gldap.Conn used for lookups.
type searcher interface {
	Search(req *gldap.SearchRequest) (*gldap.SearchResult, error)
}

type cachedMail struct {
	mail    string
	missing bool
	expires time.Time
}

// Client looks users up below BaseDN by UsernameAttr and reads MailAttr.
type Client struct {
	BaseDN       string
	UsernameAttr string
	MailAttr     string

	conn   *gldap.Conn
	search searcher
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedMail
}

var defaultClient *Client

// SetDefault sets the package-level default LDAP client.
func SetDefault(c *Client) { defaultClient = c }

// Default returns the package-level default LDAP client, nil when address
// lookup is not configured.
func Default() *Client { return defaultClient }

// New dials and binds the directory described by cfg. ldaps:// is used
// when UseTLS is set, STARTTLS upgrades a plain connection otherwise.
func New(cfg config.LDAP) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: ldap host is required", model.ErrInvalidConfig)
	}
	conn, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("ldap %s: %w", cfg.Host, err)
	}
	c := &Client{
		BaseDN:       cfg.BaseDN,
		UsernameAttr: "uid",
		MailAttr:     cfg.MailAttribute,
		conn:         conn,
		search:       conn,
	}
	if c.MailAttr == "" {
		c.MailAttr = "mail"
	}
	return c, nil
}

func dial(cfg config.LDAP) (*gldap.Conn, error) {
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	scheme := "ldap"
	if cfg.UseTLS {
		scheme = "ldaps"
	}
	var opts []gldap.DialOpt
	if tlsCfg != nil {
		opts = append(opts, gldap.DialWithTLSConfig(tlsCfg))
	}
	if to := duration(cfg.ConnectTimeout); to > 0 {
		opts = append(opts, gldap.DialWithDialer(&net.Dialer{Timeout: to}))
	}

	conn, err := gldap.DialURL(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port), opts...)
	if err != nil {
		return nil, err
	}
	if cfg.StartTLS && !cfg.UseTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if to := duration(cfg.ReadTimeout); to > 0 {
		conn.SetTimeout(to)
	}
	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// buildTLSConfig returns nil when no TLS option is set.
func buildTLSConfig(cfg config.LDAP) (*tls.Config, error) {
	if !cfg.UseTLS && !cfg.StartTLS && !cfg.InsecureSkipVerify &&
		cfg.RootCAFile == "" && cfg.ClientCertFile == "" && cfg.ServerName == "" {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test directories
	}
	if cfg.RootCAFile != "" {
		pem, err := os.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.RootCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// duration accepts the same units as the rest of the configuration ("30s",
// "1d") and returns 0 for empty or invalid values.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Close closes the underlying LDAP connection.
func (c *Client) Close() {
	if c != nil && c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Client) cached(uid string) (cachedMail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[uid]
	if !ok || c.clock().After(e.expires) {
		return cachedMail{}, false
	}
	return e, true
}

func (c *Client) remember(uid string, e cachedMail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string]cachedMail)
	}
	e.expires = c.clock().Add(mailCacheTTL)
	c.cache[uid] = e
}

// GetUserMail returns the first non-empty MailAttr value of the uid entry.
// Answers, including ErrNoMail, are cached for an hour; search failures
// are not.
func (c *Client) GetUserMail(ctx context.Context, uid string) (string, error) {
	if c == nil || c.search == nil {
		return "", errors.New("ldap client not connected")
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", errors.New("uid is required")
	}
	if e, ok := c.cached(uid); ok {
		if e.missing {
			return "", fmt.Errorf("%w: %s", ErrNoMail, uid)
		}
		return e.mail, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	req := gldap.NewSearchRequest(
		c.BaseDN,
		gldap.ScopeWholeSubtree,
		gldap.NeverDerefAliases,
		2, 0, false,
		fmt.Sprintf("(%s=%s)", c.UsernameAttr, gldap.EscapeFilter(uid)),
		[]string{c.MailAttr},
		nil,
	)
	res, err := c.search.Search(req)
	if err != nil && !gldap.IsErrorWithCode(err, gldap.LDAPResultSizeLimitExceeded) {
		return "", err
	}
	if res != nil && len(res.Entries) > 0 {
		for _, v := range res.Entries[0].GetAttributeValues(c.MailAttr) {
			if v = strings.TrimSpace(v); v != "" {
				c.remember(uid, cachedMail{mail: v})
				return v, nil
			}
		}
	}
	c.remember(uid, cachedMail{missing: true})
	return "", fmt.Errorf("%w: %s", ErrNoMail, uid)
}
