package dsconn

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"
)

// DialFunc dials addr, possibly through a proxy or tunnel.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer dials the source a descriptor points at. If the descriptor is
// configured with a proxy or SSH tunnel, every connection goes through it
// and the tunnel is torn down with the connection.
type Dialer struct {
	desc    Descriptor
	timeout time.Duration

	mu      sync.Mutex
	lastErr error
}

func NewDialer(desc Descriptor, timeout time.Duration) *Dialer {
	return &Dialer{desc: desc, timeout: timeout}
}

// TunnelErr returns the last error raised while establishing the proxy or
// tunnel, if any. Drivers do not always preserve the dial error, so this is
// used to classify connection failures.
func (d *Dialer) TunnelErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Tunneled reports whether connections go through a proxy or tunnel.
func (d *Dialer) Tunneled() bool {
	return d.desc.Proxy != nil
}

func (d *Dialer) recordErr(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = err
	return err
}

// DialContext dials addr directly, or through the configured tunnel.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	base := &net.Dialer{Timeout: d.timeout}
	p := d.desc.Proxy
	if p == nil {
		return base.DialContext(ctx, network, addr)
	}
	var conn net.Conn
	var err error
	switch p.Type {
	case ProxySOCKS5:
		conn, err = dialSOCKS5(ctx, base, *p, network, addr)
	case ProxyHTTP:
		conn, err = dialHTTPConnect(ctx, base, *p, addr)
	case ProxySSH:
		conn, err = dialSSH(ctx, base, *p.SSH, network, addr)
	default:
		err = errors.Newf("unknown proxy type %q", p.Type)
	}
	if err != nil {
		return nil, d.recordErr(errors.Wrapf(err, "error establishing %s tunnel to %s", p.Type, addr))
	}
	return conn, nil
}

// Dial is DialContext without a context.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func dialSOCKS5(
	ctx context.Context, base *net.Dialer, p ProxyConfig, network, addr string,
) (net.Conn, error) {
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), auth, base)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}

// dialHTTPConnect tunnels through an HTTP proxy using the CONNECT method.
func dialHTTPConnect(
	ctx context.Context, base *net.Dialer, p ProxyConfig, addr string,
) (net.Conn, error) {
	conn, err := base.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if p.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "error writing CONNECT request")
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "error reading CONNECT response")
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, errors.Newf("proxy refused CONNECT to %s: %s", addr, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func dialSSH(
	ctx context.Context, base *net.Dialer, cfg SSHConfig, network, addr string,
) (net.Conn, error) {
	clientCfg, err := sshClientConfig(cfg, base.Timeout)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	sshAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	raw, err := base.DialContext(ctx, "tcp", sshAddr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, sshAddr, clientCfg)
	if err != nil {
		_ = raw.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", sshAddr)
	}
	_ = raw.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ssh forward to %s", addr)
	}
	return &tunnelConn{Conn: conn, tunnel: client}, nil
}

func sshClientConfig(cfg SSHConfig, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(expandHome(cfg.PrivateKeyPath))
		if err != nil {
			return nil, errors.Wrapf(err, "error reading private key %s", cfg.PrivateKeyPath)
		}
		var signer ssh.Signer
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing private key %s", cfg.PrivateKeyPath)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(expandHome(cfg.KnownHostsPath))
		if err != nil {
			return nil, errors.Wrapf(err, "error loading known hosts %s", cfg.KnownHostsPath)
		}
		hostKeyCallback = cb
	}
	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func expandHome(p string) string {
	if len(p) > 1 && p[0] == '~' && p[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}

// tunnelConn closes the SSH client carrying it when closed.
type tunnelConn struct {
	net.Conn
	tunnel *ssh.Client
}

func (c *tunnelConn) Close() error {
	return errors.CombineErrors(c.Conn.Close(), c.tunnel.Close())
}

// bufferedConn drains bytes the proxy sent after its CONNECT response before
// reading from the connection itself.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
